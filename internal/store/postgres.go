package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listings-cli/internal/db"
	"github.com/sells-group/listings-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS listings (
	id          BIGSERIAL PRIMARY KEY,
	industry    TEXT NOT NULL,
	location    TEXT NOT NULL,
	name        TEXT NOT NULL,
	name_key    TEXT NOT NULL,
	postcode    TEXT NOT NULL DEFAULT '',
	phone       TEXT NOT NULL DEFAULT '',
	host        TEXT NOT NULL DEFAULT '',
	quality     DOUBLE PRECISION NOT NULL DEFAULT 0,
	record      JSONB NOT NULL,
	registry    JSONB,
	verified_at TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_listings_group ON listings(industry, location);
CREATE INDEX IF NOT EXISTS idx_listings_phone ON listings(phone) WHERE phone <> '';
CREATE INDEX IF NOT EXISTS idx_listings_host ON listings(host) WHERE host <> '';
CREATE INDEX IF NOT EXISTS idx_listings_verified_at ON listings(verified_at);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	query       TEXT NOT NULL,
	failed      BOOLEAN NOT NULL DEFAULT false,
	summary     JSONB NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_query ON runs(query);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const pgListingColumns = `id, industry, location, record, registry`

func (s *PostgresStore) SaveListings(ctx context.Context, key GroupKey, records []model.MergedRecord) ([]SaveResult, error) {
	key = key.clean()
	if key.Industry == "" || key.Location == "" {
		return nil, eris.New("postgres: save listings: industry and location are required")
	}
	if len(records) == 0 {
		return []SaveResult{}, nil
	}

	var results []SaveResult
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+pgListingColumns+` FROM listings WHERE industry = $1 AND location = $2 ORDER BY id FOR UPDATE`,
			key.Industry, key.Location,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: load group %s", key)
		}
		stored, err := scanPgListings(rows)
		if err != nil {
			return err
		}
		results, err = reconcile(ctx, key, stored, records, pgWriter{tx: tx})
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

type pgWriter struct {
	tx pgx.Tx
}

func (w pgWriter) insertListing(ctx context.Context, key GroupKey, row listingRow, now time.Time) (int64, error) {
	var id int64
	err := w.tx.QueryRow(ctx,
		`INSERT INTO listings (industry, location, name, name_key, postcode, phone, host, quality, record, registry, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		key.Industry, key.Location, row.name, row.nameKey, row.postcode, row.phone, row.host,
		row.quality, row.record, row.registry, now, now,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: insert listing %q", row.name)
	}
	return id, nil
}

func (w pgWriter) updateListing(ctx context.Context, id int64, row listingRow, now time.Time) error {
	_, err := w.tx.Exec(ctx,
		`UPDATE listings SET name = $1, name_key = $2, postcode = $3, phone = $4, host = $5, quality = $6, record = $7, registry = $8, updated_at = $9
		 WHERE id = $10`,
		row.name, row.nameKey, row.postcode, row.phone, row.host, row.quality, row.record, row.registry, now, id,
	)
	return eris.Wrapf(err, "postgres: update listing %d", id)
}

func scanPgListings(rows pgx.Rows) ([]model.MergedRecord, error) {
	defer rows.Close()
	var out []model.MergedRecord
	for rows.Next() {
		var (
			id                 int64
			industry, location string
			record, registry   []byte
		)
		if err := rows.Scan(&id, &industry, &location, &record, &registry); err != nil {
			return nil, eris.Wrap(err, "postgres: scan listing")
		}
		rec, err := decodeListing(id, industry, location, record, registry)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate listings")
}

func (s *PostgresStore) ListListings(ctx context.Context, filter ListingFilter) ([]model.MergedRecord, error) {
	query := `SELECT ` + pgListingColumns + ` FROM listings WHERE true`
	args := []any{}
	argIdx := 1

	key := GroupKey{Industry: filter.Industry, Location: filter.Location}.clean()
	if key.Industry != "" {
		query += fmt.Sprintf(` AND industry = $%d`, argIdx)
		args = append(args, key.Industry)
		argIdx++
	}
	if key.Location != "" {
		query += fmt.Sprintf(` AND location = $%d`, argIdx)
		args = append(args, key.Location)
		argIdx++
	}
	query += ` ORDER BY quality DESC, id`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list listings")
	}
	return scanPgListings(rows)
}

func (s *PostgresStore) Unverified(ctx context.Context, checkedBefore time.Time, limit int) ([]model.MergedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgListingColumns+` FROM listings WHERE verified_at IS NULL OR verified_at < $1 ORDER BY id LIMIT $2`,
		checkedBefore.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unverified")
	}
	return scanPgListings(rows)
}

func (s *PostgresStore) SetRegistry(ctx context.Context, id int64, match *model.RegistryMatch, checkedAt time.Time) error {
	var registry []byte
	if match != nil {
		var err error
		if registry, err = json.Marshal(match); err != nil {
			return eris.Wrap(err, "postgres: marshal registry match")
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET registry = COALESCE($1, registry), verified_at = $2, updated_at = $2 WHERE id = $3`,
		registry, checkedAt.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set registry %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("listing not found: %d", id)
	}
	return nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, summary model.RunSummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run summary")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, query, failed, summary, started_at, finished_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET failed = EXCLUDED.failed, summary = EXCLUDED.summary, finished_at = EXCLUDED.finished_at`,
		summary.RunID, summary.Query, summary.Failed(), body, summary.StartedAt.UTC(), summary.FinishedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save run %s", summary.RunID)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error) {
	query := `SELECT summary FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Query != "" {
		query += fmt.Sprintf(` AND query = $%d`, argIdx)
		args = append(args, filter.Query)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		var summary model.RunSummary
		if err := json.Unmarshal(body, &summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run summary")
		}
		runs = append(runs, summary)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByIndustry: make(map[string]int)}
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), count(registry), (SELECT count(*) FROM runs) FROM listings`,
	).Scan(&st.Listings, &st.Verified, &st.Runs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count listings")
	}

	rows, err := s.pool.Query(ctx, `SELECT industry, count(*) FROM listings GROUP BY industry`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by industry")
	}
	defer rows.Close()
	for rows.Next() {
		var industry string
		var n int
		if err := rows.Scan(&industry, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan industry count")
		}
		st.ByIndustry[industry] = n
	}
	return st, eris.Wrap(rows.Err(), "postgres: iterate industry counts")
}
