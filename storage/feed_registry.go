package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/transitops/gtfs-core/model"
)

// FeedRegistry tracks the multi-tenant metadata a Feed carries on top
// of the plain content-hash FeedMetadata row: which agency grouping it
// belongs to, whether it's the active feed for that grouping, and
// denormalized entity counts. It is intentionally a separate store
// from Storage: FeedMetadata is keyed purely by content hash and knows
// nothing about agencies, while every mutator and the importer need to
// list, activate and deactivate feeds by agency.
type FeedRegistry interface {
	Create(f *model.Feed) error
	Get(feedID string) (*model.Feed, error)
	ListByAgency(agencyGroup string) ([]*model.Feed, error)
	Update(f *model.Feed) error
	Delete(feedID string) error

	// SetActive marks feedID active and, if exclusive is true,
	// deactivates every other feed sharing its AgencyGroup in the
	// same call (used by ReplaceExisting imports and by Clone/Merge
	// activation defaults).
	SetActive(feedID string, exclusive bool) error
}

const feedRegistryDDL = `
CREATE TABLE IF NOT EXISTS feed_registry (
    id TEXT PRIMARY KEY,
    agency_group TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    source_hash TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL DEFAULT FALSE,
    total_routes INTEGER NOT NULL DEFAULT 0,
    total_stops INTEGER NOT NULL DEFAULT 0,
    total_trips INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS feed_registry_agency_idx ON feed_registry (agency_group);
`

func scanFeedRow(row interface{ Scan(dest ...any) error }) (*model.Feed, error) {
	var f model.Feed
	var created, updated time.Time
	err := row.Scan(
		&f.ID, &f.AgencyGroup, &f.Name, &f.Description, &f.SourceHash,
		&f.IsActive, &f.TotalRoutes, &f.TotalStops, &f.TotalTrips,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}
	f.CreatedAt = created.UTC().Format(time.RFC3339)
	f.UpdatedAt = updated.UTC().Format(time.RFC3339)
	return &f, nil
}

// MemoryFeedRegistry is a map-backed FeedRegistry, used by tests and by
// MemoryStorage-backed setups.
type MemoryFeedRegistry struct {
	mu    sync.Mutex
	feeds map[string]*model.Feed
}

func NewMemoryFeedRegistry() *MemoryFeedRegistry {
	return &MemoryFeedRegistry{feeds: map[string]*model.Feed{}}
}

func (r *MemoryFeedRegistry) Create(f *model.Feed) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.feeds[f.ID]; exists {
		return fmt.Errorf("feed %q already registered", f.ID)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	f.CreatedAt = now
	f.UpdatedAt = now

	cp := *f
	r.feeds[f.ID] = &cp
	return nil
}

func (r *MemoryFeedRegistry) Get(feedID string) (*model.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.feeds[feedID]
	if !ok {
		return nil, fmt.Errorf("feed %q not found", feedID)
	}
	cp := *f
	return &cp, nil
}

func (r *MemoryFeedRegistry) ListByAgency(agencyGroup string) ([]*model.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []*model.Feed{}
	for _, f := range r.feeds {
		if agencyGroup == "" || f.AgencyGroup == agencyGroup {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryFeedRegistry) Update(f *model.Feed) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.feeds[f.ID]
	if !ok {
		return fmt.Errorf("feed %q not found", f.ID)
	}

	f.CreatedAt = existing.CreatedAt
	f.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	cp := *f
	r.feeds[f.ID] = &cp
	return nil
}

func (r *MemoryFeedRegistry) Delete(feedID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.feeds, feedID)
	return nil
}

func (r *MemoryFeedRegistry) SetActive(feedID string, exclusive bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.feeds[feedID]
	if !ok {
		return fmt.Errorf("feed %q not found", feedID)
	}

	if exclusive {
		for id, f := range r.feeds {
			if id == feedID {
				continue
			}
			if f.AgencyGroup == target.AgencyGroup && f.IsActive {
				f.IsActive = false
				f.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
			}
		}
	}

	target.IsActive = true
	target.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return nil
}

// sqlFeedRegistry backs FeedRegistry with a shared *sql.DB, using the
// same dialect-placeholder trick as TaskStore (feedRegistryDDL is
// formatted once at construction, queries below use named positional
// markers appropriate for the driver).
type sqlFeedRegistry struct {
	db       *sql.DB
	postgres bool
}

// NewSQLiteFeedRegistry creates the feed_registry table (if missing) on
// the given connection, intended to be SQLiteStorage.DB() so feed data
// and feed registry rows share one file.
func NewSQLiteFeedRegistry(db *sql.DB) (FeedRegistry, error) {
	if _, err := db.Exec(feedRegistryDDL); err != nil {
		return nil, fmt.Errorf("creating feed_registry table: %w", err)
	}
	return &sqlFeedRegistry{db: db}, nil
}

// NewPSQLFeedRegistry creates the feed_registry table (if missing) on
// the given connection, intended to be PSQLStorage.DB().
func NewPSQLFeedRegistry(db *sql.DB) (FeedRegistry, error) {
	if _, err := db.Exec(feedRegistryDDL); err != nil {
		return nil, fmt.Errorf("creating feed_registry table: %w", err)
	}
	return &sqlFeedRegistry{db: db, postgres: true}, nil
}

// ph returns the n'th placeholder for this dialect (1-indexed).
func (r *sqlFeedRegistry) ph(n int) string {
	if r.postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (r *sqlFeedRegistry) Create(f *model.Feed) error {
	now := time.Now().UTC()
	q := fmt.Sprintf(`
INSERT INTO feed_registry
    (id, agency_group, name, description, source_hash, is_active,
     total_routes, total_stops, total_trips, created_at, updated_at)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5), r.ph(6), r.ph(7), r.ph(8), r.ph(9), r.ph(10), r.ph(11))

	_, err := r.db.Exec(q,
		f.ID, f.AgencyGroup, f.Name, f.Description, f.SourceHash, f.IsActive,
		f.TotalRoutes, f.TotalStops, f.TotalTrips, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting feed_registry row: %w", err)
	}
	f.CreatedAt = now.Format(time.RFC3339)
	f.UpdatedAt = now.Format(time.RFC3339)
	return nil
}

func (r *sqlFeedRegistry) Get(feedID string) (*model.Feed, error) {
	q := fmt.Sprintf(`
SELECT id, agency_group, name, description, source_hash, is_active,
       total_routes, total_stops, total_trips, created_at, updated_at
FROM feed_registry WHERE id = %s`, r.ph(1))

	row := r.db.QueryRow(q, feedID)
	f, err := scanFeedRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("feed %q not found", feedID)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning feed_registry row: %w", err)
	}
	return f, nil
}

func (r *sqlFeedRegistry) ListByAgency(agencyGroup string) ([]*model.Feed, error) {
	var rows *sql.Rows
	var err error
	if agencyGroup == "" {
		rows, err = r.db.Query(`
SELECT id, agency_group, name, description, source_hash, is_active,
       total_routes, total_stops, total_trips, created_at, updated_at
FROM feed_registry ORDER BY id`)
	} else {
		q := fmt.Sprintf(`
SELECT id, agency_group, name, description, source_hash, is_active,
       total_routes, total_stops, total_trips, created_at, updated_at
FROM feed_registry WHERE agency_group = %s ORDER BY id`, r.ph(1))
		rows, err = r.db.Query(q, agencyGroup)
	}
	if err != nil {
		return nil, fmt.Errorf("querying feed_registry: %w", err)
	}
	defer rows.Close()

	out := []*model.Feed{}
	for rows.Next() {
		f, err := scanFeedRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning feed_registry row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *sqlFeedRegistry) Update(f *model.Feed) error {
	now := time.Now().UTC()
	q := fmt.Sprintf(`
UPDATE feed_registry SET
    agency_group = %s, name = %s, description = %s, source_hash = %s,
    is_active = %s, total_routes = %s, total_stops = %s, total_trips = %s,
    updated_at = %s
WHERE id = %s`,
		r.ph(1), r.ph(2), r.ph(3), r.ph(4), r.ph(5), r.ph(6), r.ph(7), r.ph(8), r.ph(9), r.ph(10))

	_, err := r.db.Exec(q,
		f.AgencyGroup, f.Name, f.Description, f.SourceHash, f.IsActive,
		f.TotalRoutes, f.TotalStops, f.TotalTrips, now, f.ID,
	)
	if err != nil {
		return fmt.Errorf("updating feed_registry row: %w", err)
	}
	f.UpdatedAt = now.Format(time.RFC3339)
	return nil
}

func (r *sqlFeedRegistry) Delete(feedID string) error {
	q := fmt.Sprintf(`DELETE FROM feed_registry WHERE id = %s`, r.ph(1))
	_, err := r.db.Exec(q, feedID)
	if err != nil {
		return fmt.Errorf("deleting feed_registry row: %w", err)
	}
	return nil
}

func (r *sqlFeedRegistry) SetActive(feedID string, exclusive bool) error {
	f, err := r.Get(feedID)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if exclusive {
		q := fmt.Sprintf(`UPDATE feed_registry SET is_active = FALSE, updated_at = %s WHERE agency_group = %s AND id != %s`,
			r.ph(1), r.ph(2), r.ph(3))
		if _, err := tx.Exec(q, now, f.AgencyGroup, feedID); err != nil {
			return fmt.Errorf("deactivating sibling feeds: %w", err)
		}
	}

	q := fmt.Sprintf(`UPDATE feed_registry SET is_active = TRUE, updated_at = %s WHERE id = %s`, r.ph(1), r.ph(2))
	if _, err := tx.Exec(q, now, feedID); err != nil {
		return fmt.Errorf("activating feed: %w", err)
	}

	return tx.Commit()
}
