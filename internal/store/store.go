// Package store persists seen releases and tracks delivery state.
//
// The table is keyed by release url. A record is inserted once when a url is
// first seen, mutated exactly once when delivery succeeds (sent_at), and
// removed only by the retention sweep.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bandwatch/internal/release"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Record is a persisted release row.
type Record struct {
	ID          int64
	URL         string
	Title       string
	Artist      string
	Tags        []string
	CoverURL    string
	Description string
	CreatedAt   time.Time
	SentAt      *time.Time // nil while pending
}

// Release converts the stored row back into the pipeline value type.
func (r Record) Release() release.Release {
	return release.Release{
		URL:         r.URL,
		Title:       r.Title,
		Artist:      r.Artist,
		Tags:        append([]string(nil), r.Tags...),
		CoverURL:    r.CoverURL,
		Description: r.Description,
	}
}

// Stats summarizes the store contents.
type Stats struct {
	Total     int64
	Delivered int64
}

func (s Stats) Pending() int64 { return s.Total - s.Delivered }

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store is safe for the two concurrent callers this process has (scheduled
// pass and retry sweep): every exported call is individually atomic via the
// mutex; no cross-call transactions are offered.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	log zerolog.Logger
}

func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("path", cfg.Path).Msg("store opened")
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Exists reports whether a record with the given url is already stored.
func (s *Store) Exists(ctx context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM releases WHERE url = ? LIMIT 1`, url).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query exists: %w", err)
	}
	return true, nil
}

// Insert stores a new record. It returns false without error when the url is
// already present; the existing row is left untouched.
func (s *Store) Insert(ctx context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO releases(url, title, artist, tags, cover_url, description, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(url) DO NOTHING`,
		rec.URL, rec.Title, rec.Artist, joinTags(rec.Tags),
		nullStr(rec.CoverURL), nullStr(rec.Description), created.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert release: %w", err)
	}
	return n > 0, nil
}

// MarkDelivered sets sent_at once. Calls on already-delivered or unknown
// urls are no-ops.
func (s *Store) MarkDelivered(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE releases SET sent_at = ? WHERE url = ? AND sent_at IS NULL`,
		time.Now().UnixMilli(), url,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// ListPending returns undelivered records, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, title, artist, tags, cover_url, description, created_at, sent_at
		 FROM releases WHERE sent_at IS NULL
		 ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending rows: %w", err)
	}
	return out, nil
}

// RetentionSweep deletes records created before now-maxAgeDays, regardless
// of delivery state. Non-positive ages disable the sweep.
func (s *Store) RetentionSweep(ctx context.Context, maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM releases WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	if n > 0 {
		s.log.Info().Int64("removed", n).Int("max_age_days", maxAgeDays).Msg("retention sweep done")
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM releases`).Scan(&st.Total); err != nil {
		return Stats{}, fmt.Errorf("count total: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM releases WHERE sent_at IS NOT NULL`).Scan(&st.Delivered); err != nil {
		return Stats{}, fmt.Errorf("count delivered: %w", err)
	}
	return st, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec         Record
		tags        sql.NullString
		coverURL    sql.NullString
		description sql.NullString
		createdMS   int64
		sentMS      sql.NullInt64
	)
	if err := rows.Scan(&rec.ID, &rec.URL, &rec.Title, &rec.Artist, &tags, &coverURL, &description, &createdMS, &sentMS); err != nil {
		return Record{}, fmt.Errorf("scan release: %w", err)
	}
	rec.Tags = splitTags(tags.String)
	rec.CoverURL = coverURL.String
	rec.Description = description.String
	rec.CreatedAt = time.UnixMilli(createdMS)
	if sentMS.Valid {
		t := time.UnixMilli(sentMS.Int64)
		rec.SentAt = &t
	}
	return rec, nil
}

func joinTags(tags []string) any {
	filtered := make([]string, 0, len(tags))
	for _, t := range tags {
		if strings.TrimSpace(t) != "" {
			filtered = append(filtered, strings.TrimSpace(t))
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return strings.Join(filtered, ",")
}

func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
