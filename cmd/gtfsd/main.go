// Command gtfsd is the daemon: it wires storage, the task
// orchestrator, a Redis-backed worker pool, and the periodic
// scheduler/reaper into one long-running process.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/transitops/gtfs-core/config"
	"github.com/transitops/gtfs-core/dispatch"
	"github.com/transitops/gtfs-core/logger"
	"github.com/transitops/gtfs-core/storage"
	"github.com/transitops/gtfs-core/task"
)

func main() {
	configPath := flag.String("config", "gtfsd.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}

	log := buildLogger(cfg.Logging)

	st, taskDB, err := openStorage(cfg.Database)
	if err != nil {
		log.Fatal("opening storage", "error", err)
	}

	taskStore, err := openTaskStore(cfg.Database.Driver, taskDB)
	if err != nil {
		log.Fatal("opening task store", "error", err)
	}

	registry, err := openFeedRegistry(cfg.Database.Driver, taskDB)
	if err != nil {
		log.Fatal("opening feed registry", "error", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	dispatcher := dispatch.NewRedisDispatcher(rdb, log)
	orchestrator := task.NewOrchestrator(taskStore, dispatcher, log)

	schedCfg := task.DefaultSchedulerConfig()
	schedCfg.RetentionDays = cfg.Task.RetentionDays
	schedCfg.OrphanStaleAfter = cfg.Task.OrphanStaleAfter
	scheduler := task.NewScheduler(taskStore, schedCfg, log)
	if err := scheduler.Start(); err != nil {
		log.Fatal("starting scheduler", "error", err)
	}
	defer scheduler.Stop()

	reaper := dispatch.NewReaper(rdb, log, 5*time.Second)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go reaper.Run(ctx)

	workerCount := cfg.Task.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		w := &worker{
			id:           "gtfsd-" + strconv.Itoa(i),
			dispatcher:   dispatcher,
			orchestrator: orchestrator,
			store:        st,
			registry:     registry,
			validatorCfg: cfg.Validator,
			log:          log.With("worker_id", "gtfsd-"+strconv.Itoa(i)),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}

	srv := buildHealthServer()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("health server stopped", "error", err)
		}
	}()

	log.Info("gtfsd started", "workers", workerCount, "database_driver", cfg.Database.Driver)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	wg.Wait()
}

func buildLogger(cfg config.LoggingConfig) logger.Logger {
	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, logger.ConsoleWriter())
	}
	if cfg.File && cfg.FilePath != "" {
		writers = append(writers, logger.FileWriter(cfg.FilePath))
	}
	if len(writers) == 0 {
		writers = append(writers, logger.ConsoleWriter())
	}
	return logger.New(writers...)
}

func openStorage(cfg config.DatabaseConfig) (storage.Storage, *sql.DB, error) {
	switch cfg.Driver {
	case "postgres":
		st, err := storage.NewPSQLStorage(cfg.ConnectionString, false)
		if err != nil {
			return nil, nil, err
		}
		return st, st.DB(), nil
	case "sqlite", "":
		st, err := storage.NewSQLiteStorage(storage.SQLiteConfig{OnDisk: true, Directory: cfg.ConnectionString})
		if err != nil {
			return nil, nil, err
		}
		return st, st.DB(), nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func openTaskStore(driver string, db *sql.DB) (storage.TaskStore, error) {
	if driver == "postgres" {
		return storage.NewPSQLTaskStore(db)
	}
	return storage.NewSQLiteTaskStore(db)
}

func openFeedRegistry(driver string, db *sql.DB) (storage.FeedRegistry, error) {
	if driver == "postgres" {
		return storage.NewPSQLFeedRegistry(db)
	}
	return storage.NewSQLiteFeedRegistry(db)
}

func buildHealthServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:    ":8080",
		Handler: mux,
	}
}
