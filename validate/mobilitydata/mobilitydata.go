// Package mobilitydata wraps the MobilityData reference validator
// (https://github.com/MobilityData/gtfs-validator), run as a Docker
// container, as a second validation strategy alongside validate's
// native rule engine (§4.E.2).
package mobilitydata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/transitops/gtfs-core/apierr"
	"github.com/transitops/gtfs-core/config"
	"github.com/transitops/gtfs-core/logger"
)

// Notice is one entry from the validator's report.json "notices"
// array: a code shared by every occurrence, a severity, and the raw
// per-occurrence context objects the validator emitted.
type Notice struct {
	Code        string           `json:"code"`
	Severity    string           `json:"severity"`
	TotalCount  int              `json:"totalNotices"`
	SampleRows  []map[string]any `json:"sampleNotices,omitempty"`
}

// Report is the parsed, filtered output of one run.
type Report struct {
	Notices      []Notice
	SystemErrors []string
	HTMLPath     string
	JSONPath     string
}

// recognizedFiles is the GTFS static file set notices are allowed to
// reference; anything else (a validator notice keyed to a file this
// system doesn't model, e.g. translations.txt) is dropped rather than
// surfaced, since there's nowhere in the data model for a caller to
// act on it.
var recognizedFiles = map[string]bool{
	"agency.txt": true, "stops.txt": true, "routes.txt": true,
	"trips.txt": true, "stop_times.txt": true, "calendar.txt": true,
	"calendar_dates.txt": true, "fare_attributes.txt": true,
	"fare_rules.txt": true, "shapes.txt": true, "feed_info.txt": true,
}

// Runner executes the containerized validator against a GTFS zip
// already materialized on the host filesystem (the caller is
// responsible for writing the archive bytes out — Runner only needs a
// path it can bind-mount into the container).
type Runner struct {
	Config config.ValidatorConfig
	Log    logger.Logger
}

func NewRunner(cfg config.ValidatorConfig, log logger.Logger) *Runner {
	return &Runner{Config: cfg, Log: log}
}

// Run validates the GTFS zip at hostFeedPath. It serializes concurrent
// runs against the same scratch directory with a file lock (Docker
// output directories aren't otherwise safe to share across runs), then
// shells out to `docker run` with the configured image.
func (r *Runner) Run(ctx context.Context, hostFeedPath string) (*Report, error) {
	if r.Config.Image == "" {
		return nil, apierr.Validation("validator.image is not configured")
	}

	runID := uuid.NewString()
	scratch := r.Config.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	outDir := filepath.Join(scratch, runID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, apierr.TaskSetup(err, "creating scratch output dir")
	}
	defer os.RemoveAll(outDir)

	lock := flock.New(filepath.Join(scratch, ".mobilitydata.lock"))
	locked, err := lock.TryLockContext(ctx, 500*time.Millisecond)
	if err != nil {
		return nil, apierr.Transient(err, "acquiring validator scratch lock")
	}
	if !locked {
		return nil, apierr.Transient(nil, "validator scratch directory busy")
	}
	defer lock.Unlock()

	timeout := time.Duration(r.Config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerFeedPath := r.translatePath(hostFeedPath)
	containerOutPath := r.translatePath(outDir)

	args := []string{
		"run", "--rm",
		"-v", fmt.Sprintf("%s:/feed.zip:ro", containerFeedPath),
		"-v", fmt.Sprintf("%s:/out", containerOutPath),
		r.Config.Image,
		"-i", "/feed.zip",
		"-o", "/out",
	}

	cmd := exec.CommandContext(runCtx, "docker", args...)
	output, runErr := cmd.CombinedOutput()
	if runErr != nil && !fileExists(filepath.Join(outDir, "report.json")) {
		return nil, apierr.Transient(runErr, "running validator container: %s", string(output))
	}
	if runErr != nil {
		r.Log.Warn("validator container exited non-zero but produced a report", "error", runErr, "output", string(output))
	}

	return parseReport(outDir)
}

// translatePath rewrites a host path into the path the validator's
// container mount sees, for environments (e.g. a daemon itself
// running inside a container, with the host's filesystem bind-mounted
// under a different prefix) where they differ. Empty prefix is a
// no-op, the common case for a bare-metal or VM host.
func (r *Runner) translatePath(hostPath string) string {
	if r.Config.HostPathPrefix == "" {
		return hostPath
	}
	return strings.TrimSuffix(r.Config.HostPathPrefix, "/") + hostPath
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func parseReport(outDir string) (*Report, error) {
	rep := &Report{
		HTMLPath: filepath.Join(outDir, "report.html"),
		JSONPath: filepath.Join(outDir, "report.json"),
	}

	if raw, err := os.ReadFile(filepath.Join(outDir, "system_errors.json")); err == nil {
		var sysErrs struct {
			Notices []struct {
				Code string `json:"code"`
			} `json:"notices"`
		}
		if err := json.Unmarshal(raw, &sysErrs); err == nil {
			for _, n := range sysErrs.Notices {
				rep.SystemErrors = append(rep.SystemErrors, n.Code)
			}
		}
	}

	raw, err := os.ReadFile(filepath.Join(outDir, "report.json"))
	if err != nil {
		return nil, apierr.DataError(err, "reading validator report.json")
	}

	var parsed struct {
		Notices []struct {
			Code             string           `json:"code"`
			Severity         string           `json:"severity"`
			TotalNotices     int              `json:"totalNotices"`
			SampleNotices    []map[string]any `json:"sampleNotices"`
		} `json:"notices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Wrap(err, "parsing validator report.json")
	}

	for _, n := range parsed.Notices {
		if !referencesRecognizedFile(n.SampleNotices) {
			continue
		}
		sample := n.SampleNotices
		if len(sample) > 15 {
			sample = sample[:15]
		}
		rep.Notices = append(rep.Notices, Notice{
			Code:       n.Code,
			Severity:   n.Severity,
			TotalCount: n.TotalNotices,
			SampleRows: sample,
		})
	}

	sort.Slice(rep.Notices, func(i, j int) bool {
		if rep.Notices[i].Severity != rep.Notices[j].Severity {
			return severityRank(rep.Notices[i].Severity) < severityRank(rep.Notices[j].Severity)
		}
		return rep.Notices[i].Code < rep.Notices[j].Code
	})

	return rep, nil
}

// referencesRecognizedFile keeps a notice unless every sample row
// names a filename field outside recognizedFiles. Notices with no
// filename field at all (most don't carry one) pass through.
func referencesRecognizedFile(samples []map[string]any) bool {
	if len(samples) == 0 {
		return true
	}
	sawFilename := false
	for _, s := range samples {
		name, ok := s["filename"].(string)
		if !ok {
			continue
		}
		sawFilename = true
		if recognizedFiles[name] {
			return true
		}
	}
	return !sawFilename
}

func severityRank(sev string) int {
	switch strings.ToUpper(sev) {
	case "ERROR":
		return 0
	case "WARNING":
		return 1
	default:
		return 2
	}
}
