package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reunite/internal/db"
	"github.com/sells-group/reunite/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlFetchActive = `SELECT ` + personColumns + ` FROM persons
		WHERE status = 'missing' AND encoding IS NOT NULL AND length(encoding) > 0
		ORDER BY id`
	sqlCompareAndSetFound = `UPDATE persons SET status = 'found', updated_at = $1 WHERE id = $2 AND status = 'missing'`
	sqlInsertDetection    = `INSERT INTO detections (person_id, confidence, source_location, detected_at, notified)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`
	sqlMarkNotified = `UPDATE detections SET notified = $1 WHERE id = $2 AND notified = 'not_attempted'`
)

// preparedStatements lists the engine's hot-path queries, prepared on each
// new connection.
var preparedStatements = map[string]string{
	"fetch_active":          sqlFetchActive,
	"compare_and_set_found": sqlCompareAndSetFound,
	"insert_detection":      sqlInsertDetection,
	"mark_notified":         sqlMarkNotified,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS persons (
	id                 BIGSERIAL PRIMARY KEY,
	name               TEXT NOT NULL,
	age                INTEGER NOT NULL DEFAULT 0,
	gender             TEXT NOT NULL DEFAULT '',
	last_seen_location TEXT NOT NULL DEFAULT '',
	last_seen_date     TIMESTAMPTZ NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	contact_name       TEXT NOT NULL DEFAULT '',
	contact_email      TEXT NOT NULL DEFAULT '',
	contact_phone      TEXT NOT NULL DEFAULT '',
	photo_filename     TEXT NOT NULL DEFAULT '',
	encoding           BYTEA,
	status             TEXT NOT NULL DEFAULT 'missing' CHECK (status IN ('missing', 'found', 'closed')),
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS detections (
	id              BIGSERIAL PRIMARY KEY,
	person_id       BIGINT NOT NULL REFERENCES persons(id),
	confidence      DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	source_location TEXT NOT NULL DEFAULT '',
	detected_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	notified        TEXT NOT NULL DEFAULT 'not_attempted' CHECK (notified IN ('not_attempted', 'delivered', 'failed'))
);

CREATE INDEX IF NOT EXISTS idx_persons_status ON persons(status);
CREATE INDEX IF NOT EXISTS idx_detections_person_id ON detections(person_id);
CREATE INDEX IF NOT EXISTS idx_detections_detected_at ON detections(detected_at DESC);
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

func (s *PostgresStore) CreatePerson(ctx context.Context, p *model.Person) (*model.Person, error) {
	if err := validatePerson(p); err != nil {
		return nil, err
	}
	out := *p
	now := time.Now().UTC()
	out.CreatedAt, out.UpdatedAt = now, now

	err := s.pool.QueryRow(ctx,
		`INSERT INTO persons (name, age, gender, last_seen_location, last_seen_date, description,
			contact_name, contact_email, contact_phone, photo_filename, encoding, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING id`,
		out.Name, out.Age, out.Gender, out.LastSeenLocation, out.LastSeenDate.UTC(), out.Description,
		out.ContactName, out.ContactEmail, out.ContactPhone, out.PhotoFilename, out.Encoding,
		string(out.Status), now, now,
	).Scan(&out.ID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert person")
	}
	return &out, nil
}

func (s *PostgresStore) GetPerson(ctx context.Context, id int64) (*model.Person, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+personColumns+` FROM persons WHERE id = $1`, id)
	p, err := scanPerson(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "person %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get person %d", id)
	}
	return p, nil
}

func (s *PostgresStore) ListPersons(ctx context.Context, filter model.PersonFilter) ([]model.Person, error) {
	clause, args := personFilter(filter, postgresPH, "ILIKE")
	return s.queryPersons(ctx, `SELECT `+personColumns+` FROM persons`+clause, args...)
}

func (s *PostgresStore) FetchActive(ctx context.Context) ([]model.Person, error) {
	persons, err := s.queryPersons(ctx, sqlFetchActive)
	return persons, eris.Wrap(err, "postgres: fetch active")
}

func (s *PostgresStore) queryPersons(ctx context.Context, query string, args ...any) ([]model.Person, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query persons")
	}
	defer rows.Close()

	var persons []model.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan person")
		}
		persons = append(persons, *p)
	}
	return persons, eris.Wrap(rows.Err(), "postgres: iterate persons")
}

func (s *PostgresStore) CompareAndSetFound(ctx context.Context, personID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, sqlCompareAndSetFound, time.Now().UTC(), personID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark person %d found", personID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id int64, status model.Status) error {
	if _, err := model.ParseStatus(string(status)); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE persons SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set status of person %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "person %d", id)
	}
	return nil
}

func (s *PostgresStore) ResetFoundToMissing(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE persons SET status = 'missing', updated_at = $1 WHERE status = 'found'`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset found")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) PurgeFound(ctx context.Context) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin purge")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `SELECT photo_filename FROM persons WHERE status = 'found' FOR UPDATE`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select found photos")
	}
	photos, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan photos")
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM detections WHERE person_id IN (SELECT id FROM persons WHERE status = 'found')`); err != nil {
		return nil, eris.Wrap(err, "postgres: delete found detections")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM persons WHERE status = 'found'`); err != nil {
		return nil, eris.Wrap(err, "postgres: delete found persons")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit purge")
	}

	out := photos[:0]
	for _, p := range photos {
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *PostgresStore) DeletePerson(ctx context.Context, id int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin delete")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM detections WHERE person_id = $1`, id); err != nil {
		return eris.Wrapf(err, "postgres: delete detections of person %d", id)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM persons WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete person %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "person %d", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit delete")
}

func (s *PostgresStore) AppendDetection(ctx context.Context, d model.Detection) (int64, error) {
	if err := validateDetection(&d); err != nil {
		return 0, err
	}
	var id int64
	err := s.pool.QueryRow(ctx, sqlInsertDetection,
		d.PersonID, d.Confidence, d.SourceLocation, d.DetectedAt.UTC(), string(d.Notified),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: insert detection for person %d", d.PersonID)
	}
	return id, nil
}

// MarkNotified sets the notify outcome once. A detection whose outcome is
// already recorded is left unchanged.
func (s *PostgresStore) MarkNotified(ctx context.Context, detectionID int64, outcome model.NotifyOutcome) error {
	if _, err := model.ParseNotifyOutcome(string(outcome)); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sqlMarkNotified, string(outcome), detectionID)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark detection %d notified", detectionID)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM detections WHERE id = $1`, detectionID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "detection %d", detectionID)
		}
		return eris.Wrap(err, "postgres: check detection")
	}
	return nil
}

func (s *PostgresStore) ListDetections(ctx context.Context, filter model.DetectionFilter) ([]model.Detection, error) {
	clause, args := detectionFilter(filter, postgresPH)
	rows, err := s.pool.Query(ctx, `SELECT `+detectionColumns+` FROM detections`+clause, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list detections")
	}
	defer rows.Close()

	var out []model.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan detection")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate detections")
}

func (s *PostgresStore) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	st := &Stats{}
	if err := s.groupCounts(ctx, st.addStatus,
		`SELECT status, COUNT(*) FROM persons GROUP BY status`); err != nil {
		return nil, eris.Wrap(err, "postgres: count persons")
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM persons WHERE status = 'missing' AND encoding IS NOT NULL AND length(encoding) > 0`,
	).Scan(&st.Active); err != nil {
		return nil, eris.Wrap(err, "postgres: count active")
	}
	if err := s.groupCounts(ctx, st.addNotified,
		`SELECT notified, COUNT(*) FROM detections WHERE detected_at >= $1 GROUP BY notified`,
		since.UTC()); err != nil {
		return nil, eris.Wrap(err, "postgres: count detections")
	}
	return st, nil
}

func (s *PostgresStore) groupCounts(ctx context.Context, add func(string, int), query string, args ...any) error {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		add(key, n)
	}
	return rows.Err()
}
