// Package store persists canonical records, quality reports and metric
// snapshots in SQLite, and provides the indexed read access the metrics
// calculator and the retrieval layer query through. The store owns all
// persisted dataset state for a year; pipeline run state is written through
// it but owned by the orchestrator.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sragetl/internal/errors"
	"sragetl/pkg/contracts/domain"
)

const timeLayout = time.RFC3339Nano

// Store is a SQLite-backed repository. Safe for concurrent use: SQLite runs
// in WAL mode with a busy timeout, and writers for the same year are
// serialized above this layer by the orchestrator's per-year lock.
type Store struct {
	db    *sql.DB
	cache *latestCache
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.NewStorageError("failed to open database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.NewStorageError("failed to reach database", err)
	}

	s := &Store{db: db, cache: newLatestCache(defaultCacheEntries)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS records (
			year INTEGER NOT NULL,
			record_id TEXT NOT NULL,
			notification_date TEXT,
			onset_date TEXT,
			hospital_date TEXT,
			outcome_date TEXT,
			geo_code TEXT,
			region TEXT,
			sex TEXT,
			age_years REAL,
			age_band TEXT,
			outcome TEXT NOT NULL,
			icu_admitted INTEGER,
			ventilated INTEGER,
			vaccination_status TEXT,
			epi_week INTEGER,
			notif_month INTEGER,
			quality_flags TEXT,
			PRIMARY KEY (year, record_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_geo ON records(year, geo_code)`,
		`CREATE INDEX IF NOT EXISTS idx_records_outcome ON records(year, outcome)`,
		`CREATE TABLE IF NOT EXISTS defects (
			year INTEGER NOT NULL,
			record_id TEXT NOT NULL,
			code TEXT NOT NULL,
			severity TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_defects_year ON defects(year, code)`,
		`CREATE TABLE IF NOT EXISTS quality_reports (
			year INTEGER NOT NULL,
			generated_at TEXT NOT NULL,
			total_rows INTEGER NOT NULL,
			accepted_rows INTEGER NOT NULL,
			rejected_rows INTEGER NOT NULL,
			completeness_score REAL NOT NULL,
			defect_counts TEXT NOT NULL,
			PRIMARY KEY (year, generated_at)
		)`,
		`CREATE TABLE IF NOT EXISTS metric_snapshots (
			year INTEGER NOT NULL,
			generated_at TEXT NOT NULL,
			indicators TEXT NOT NULL,
			record_count INTEGER NOT NULL,
			quality_score REAL NOT NULL,
			PRIMARY KEY (year, generated_at)
		)`,
		`CREATE TABLE IF NOT EXISTS latest (
			year INTEGER PRIMARY KEY,
			report_at TEXT,
			snapshot_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ingest_stats (
			year INTEGER PRIMARY KEY,
			total_rows INTEGER NOT NULL,
			accepted_rows INTEGER NOT NULL,
			rejected_rows INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			year INTEGER PRIMARY KEY,
			status TEXT NOT NULL,
			stage TEXT NOT NULL,
			last_error TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.NewStorageError("failed to apply schema", err)
		}
	}
	return nil
}

const defaultCacheEntries = 16

// latestCache is the bounded in-memory cache of latest-per-year reports and
// snapshots. Entries for a year are invalidated whenever that year is
// written; eviction is oldest-insertion-first.
type latestCache struct {
	mu      sync.Mutex
	max     int
	order   []int
	entries map[int]*cacheEntry
}

type cacheEntry struct {
	report   *domain.QualityReport
	snapshot *domain.MetricSnapshot
}

func newLatestCache(max int) *latestCache {
	return &latestCache{max: max, entries: make(map[int]*cacheEntry)}
}

func (c *latestCache) report(year int) (*domain.QualityReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[year]; ok && e.report != nil {
		return e.report, true
	}
	return nil, false
}

func (c *latestCache) snapshot(year int) (*domain.MetricSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[year]; ok && e.snapshot != nil {
		return e.snapshot, true
	}
	return nil, false
}

func (c *latestCache) putReport(year int, r *domain.QualityReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(year).report = r
}

func (c *latestCache) putSnapshot(year int, m *domain.MetricSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(year).snapshot = m
}

func (c *latestCache) invalidate(year int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[year]; !ok {
		return
	}
	delete(c.entries, year)
	for i, y := range c.order {
		if y == year {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// entry returns the cache slot for a year, evicting the oldest entry when
// the cache is full. Callers hold c.mu.
func (c *latestCache) entry(year int) *cacheEntry {
	if e, ok := c.entries[year]; ok {
		return e
	}
	if len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	e := &cacheEntry{}
	c.entries[year] = e
	c.order = append(c.order, year)
	return e
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
