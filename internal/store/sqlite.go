package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/listings-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS listings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	industry    TEXT NOT NULL,
	location    TEXT NOT NULL,
	name        TEXT NOT NULL,
	name_key    TEXT NOT NULL,
	postcode    TEXT NOT NULL DEFAULT '',
	phone       TEXT NOT NULL DEFAULT '',
	host        TEXT NOT NULL DEFAULT '',
	quality     REAL NOT NULL DEFAULT 0,
	record      TEXT NOT NULL,
	registry    TEXT,
	verified_at DATETIME,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_listings_group ON listings(industry, location);
CREATE INDEX IF NOT EXISTS idx_listings_verified_at ON listings(verified_at);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	query       TEXT NOT NULL,
	failed      INTEGER NOT NULL DEFAULT 0,
	summary     TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteListingColumns = `id, industry, location, record, registry`

func (s *SQLiteStore) SaveListings(ctx context.Context, key GroupKey, records []model.MergedRecord) ([]SaveResult, error) {
	key = key.clean()
	if key.Industry == "" || key.Location == "" {
		return nil, eris.New("sqlite: save listings: industry and location are required")
	}
	if len(records) == 0 {
		return []SaveResult{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT `+sqliteListingColumns+` FROM listings WHERE industry = ? AND location = ? ORDER BY id`,
		key.Industry, key.Location,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load group %s", key)
	}
	stored, err := scanSQLiteListings(rows)
	if err != nil {
		return nil, err
	}

	results, err := reconcile(ctx, key, stored, records, sqliteWriter{tx: tx})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit tx")
	}
	return results, nil
}

type sqliteWriter struct {
	tx *sql.Tx
}

func (w sqliteWriter) insertListing(ctx context.Context, key GroupKey, row listingRow, now time.Time) (int64, error) {
	res, err := w.tx.ExecContext(ctx,
		`INSERT INTO listings (industry, location, name, name_key, postcode, phone, host, quality, record, registry, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.Industry, key.Location, row.name, row.nameKey, row.postcode, row.phone, row.host,
		row.quality, string(row.record), nullableText(row.registry), now, now,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: insert listing %q", row.name)
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "sqlite: last insert id")
}

func (w sqliteWriter) updateListing(ctx context.Context, id int64, row listingRow, now time.Time) error {
	_, err := w.tx.ExecContext(ctx,
		`UPDATE listings SET name = ?, name_key = ?, postcode = ?, phone = ?, host = ?, quality = ?, record = ?, registry = ?, updated_at = ?
		 WHERE id = ?`,
		row.name, row.nameKey, row.postcode, row.phone, row.host, row.quality, string(row.record), nullableText(row.registry), now, id,
	)
	return eris.Wrapf(err, "sqlite: update listing %d", id)
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func scanSQLiteListings(rows *sql.Rows) ([]model.MergedRecord, error) {
	defer rows.Close()
	var out []model.MergedRecord
	for rows.Next() {
		var (
			id                 int64
			industry, location string
			record             string
			registry           sql.NullString
		)
		if err := rows.Scan(&id, &industry, &location, &record, &registry); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan listing")
		}
		var reg []byte
		if registry.Valid {
			reg = []byte(registry.String)
		}
		rec, err := decodeListing(id, industry, location, []byte(record), reg)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate listings")
}

func (s *SQLiteStore) ListListings(ctx context.Context, filter ListingFilter) ([]model.MergedRecord, error) {
	query := `SELECT ` + sqliteListingColumns + ` FROM listings WHERE 1=1`
	args := []any{}

	key := GroupKey{Industry: filter.Industry, Location: filter.Location}.clean()
	if key.Industry != "" {
		query += ` AND industry = ?`
		args = append(args, key.Industry)
	}
	if key.Location != "" {
		query += ` AND location = ?`
		args = append(args, key.Location)
	}
	query += ` ORDER BY quality DESC, id`

	// SQLite requires a LIMIT before OFFSET; -1 means unbounded.
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list listings")
	}
	return scanSQLiteListings(rows)
}

func (s *SQLiteStore) Unverified(ctx context.Context, checkedBefore time.Time, limit int) ([]model.MergedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteListingColumns+` FROM listings WHERE verified_at IS NULL OR verified_at < ? ORDER BY id LIMIT ?`,
		checkedBefore.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unverified")
	}
	return scanSQLiteListings(rows)
}

func (s *SQLiteStore) SetRegistry(ctx context.Context, id int64, match *model.RegistryMatch, checkedAt time.Time) error {
	var registry []byte
	if match != nil {
		var err error
		if registry, err = json.Marshal(match); err != nil {
			return eris.Wrap(err, "sqlite: marshal registry match")
		}
	}
	checkedAt = checkedAt.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE listings SET registry = COALESCE(?, registry), verified_at = ?, updated_at = ? WHERE id = ?`,
		nullableText(registry), checkedAt, checkedAt, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set registry %d", id)
	}
	return checkRowsAffected(res, "listing", id)
}

func checkRowsAffected(res sql.Result, entity string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %v", entity, id)
	}
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, summary model.RunSummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run summary")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, query, failed, summary, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET failed = excluded.failed, summary = excluded.summary, finished_at = excluded.finished_at`,
		summary.RunID, summary.Query, summary.Failed(), string(body), summary.StartedAt.UTC(), summary.FinishedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save run %s", summary.RunID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error) {
	query := `SELECT summary FROM runs WHERE 1=1`
	args := []any{}
	if filter.Query != "" {
		query += ` AND query = ?`
		args = append(args, filter.Query)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		var summary model.RunSummary
		if err := json.Unmarshal([]byte(body), &summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run summary")
		}
		runs = append(runs, summary)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByIndustry: make(map[string]int)}
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), count(registry), (SELECT count(*) FROM runs) FROM listings`,
	).Scan(&st.Listings, &st.Verified, &st.Runs)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count listings")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT industry, count(*) FROM listings GROUP BY industry`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by industry")
	}
	defer rows.Close()
	for rows.Next() {
		var industry string
		var n int
		if err := rows.Scan(&industry, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan industry count")
		}
		st.ByIndustry[industry] = n
	}
	return st, eris.Wrap(rows.Err(), "sqlite: iterate industry counts")
}
