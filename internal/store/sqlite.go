package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/reunite/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: exec PRAGMA journal_mode=WAL")
	}
	return &SQLiteStore{db: db}, nil
}

// withPragmas adds per-connection pragmas to the DSN so every pooled
// connection waits on locks and enforces foreign keys.
func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS persons (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	name               TEXT NOT NULL,
	age                INTEGER NOT NULL DEFAULT 0,
	gender             TEXT NOT NULL DEFAULT '',
	last_seen_location TEXT NOT NULL DEFAULT '',
	last_seen_date     DATETIME NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	contact_name       TEXT NOT NULL DEFAULT '',
	contact_email      TEXT NOT NULL DEFAULT '',
	contact_phone      TEXT NOT NULL DEFAULT '',
	photo_filename     TEXT NOT NULL DEFAULT '',
	encoding           BLOB,
	status             TEXT NOT NULL DEFAULT 'missing' CHECK (status IN ('missing', 'found', 'closed')),
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS detections (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	person_id       INTEGER NOT NULL REFERENCES persons(id),
	confidence      REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	source_location TEXT NOT NULL DEFAULT '',
	detected_at     DATETIME NOT NULL,
	notified        TEXT NOT NULL DEFAULT 'not_attempted' CHECK (notified IN ('not_attempted', 'delivered', 'failed'))
);

CREATE INDEX IF NOT EXISTS idx_persons_status ON persons(status);
CREATE INDEX IF NOT EXISTS idx_detections_person_id ON detections(person_id);
CREATE INDEX IF NOT EXISTS idx_detections_detected_at ON detections(detected_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreatePerson(ctx context.Context, p *model.Person) (*model.Person, error) {
	if err := validatePerson(p); err != nil {
		return nil, err
	}
	out := *p
	now := time.Now().UTC()
	out.CreatedAt, out.UpdatedAt = now, now
	out.LastSeenDate = out.LastSeenDate.UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO persons (name, age, gender, last_seen_location, last_seen_date, description,
			contact_name, contact_email, contact_phone, photo_filename, encoding, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.Name, out.Age, out.Gender, out.LastSeenLocation, out.LastSeenDate, out.Description,
		out.ContactName, out.ContactEmail, out.ContactPhone, out.PhotoFilename, out.Encoding,
		string(out.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert person")
	}
	if out.ID, err = res.LastInsertId(); err != nil {
		return nil, eris.Wrap(err, "sqlite: person id")
	}
	return &out, nil
}

func (s *SQLiteStore) GetPerson(ctx context.Context, id int64) (*model.Person, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE id = ?`, id)
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "person %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get person %d", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListPersons(ctx context.Context, filter model.PersonFilter) ([]model.Person, error) {
	clause, args := personFilter(filter, sqlitePH, "LIKE")
	return s.queryPersons(ctx, `SELECT `+personColumns+` FROM persons`+clause, args...)
}

func (s *SQLiteStore) FetchActive(ctx context.Context) ([]model.Person, error) {
	persons, err := s.queryPersons(ctx,
		`SELECT `+personColumns+` FROM persons
		WHERE status = ? AND encoding IS NOT NULL AND length(encoding) > 0
		ORDER BY id`,
		string(model.StatusMissing),
	)
	return persons, eris.Wrap(err, "sqlite: fetch active")
}

func (s *SQLiteStore) queryPersons(ctx context.Context, query string, args ...any) ([]model.Person, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query persons")
	}
	defer rows.Close() //nolint:errcheck

	var persons []model.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan person")
		}
		persons = append(persons, *p)
	}
	return persons, eris.Wrap(rows.Err(), "sqlite: iterate persons")
}

func (s *SQLiteStore) CompareAndSetFound(ctx context.Context, personID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE persons SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.StatusFound), time.Now().UTC(), personID, string(model.StatusMissing),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark person %d found", personID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id int64, status model.Status) error {
	if _, err := model.ParseStatus(string(status)); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE persons SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set status of person %d", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) ResetFoundToMissing(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE persons SET status = ?, updated_at = ? WHERE status = ?`,
		string(model.StatusMissing), time.Now().UTC(), string(model.StatusFound),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset found")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) PurgeFound(ctx context.Context) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin purge")
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `SELECT photo_filename FROM persons WHERE status = ?`, string(model.StatusFound))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select found photos")
	}
	var photos []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "sqlite: scan photo")
		}
		if name != "" {
			photos = append(photos, name)
		}
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate photos")
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM detections WHERE person_id IN (SELECT id FROM persons WHERE status = ?)`,
		string(model.StatusFound)); err != nil {
		return nil, eris.Wrap(err, "sqlite: delete found detections")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM persons WHERE status = ?`, string(model.StatusFound)); err != nil {
		return nil, eris.Wrap(err, "sqlite: delete found persons")
	}
	return photos, eris.Wrap(tx.Commit(), "sqlite: commit purge")
}

func (s *SQLiteStore) DeletePerson(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM detections WHERE person_id = ?`, id); err != nil {
		return eris.Wrapf(err, "sqlite: delete detections of person %d", id)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM persons WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete person %d", id)
	}
	if err := checkRowsAffected(res, id); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit delete")
}

func (s *SQLiteStore) AppendDetection(ctx context.Context, d model.Detection) (int64, error) {
	if err := validateDetection(&d); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO detections (person_id, confidence, source_location, detected_at, notified) VALUES (?, ?, ?, ?, ?)`,
		d.PersonID, d.Confidence, d.SourceLocation, d.DetectedAt.UTC(), string(d.Notified),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: insert detection for person %d", d.PersonID)
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "sqlite: detection id")
}

// MarkNotified sets the notify outcome once. A detection whose outcome is
// already recorded is left unchanged.
func (s *SQLiteStore) MarkNotified(ctx context.Context, detectionID int64, outcome model.NotifyOutcome) error {
	if _, err := model.ParseNotifyOutcome(string(outcome)); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE detections SET notified = ? WHERE id = ? AND notified = ?`,
		string(outcome), detectionID, string(model.NotifyNotAttempted),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark detection %d notified", detectionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM detections WHERE id = ?`, detectionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "detection %d", detectionID)
		}
		return eris.Wrap(err, "sqlite: check detection")
	}
	return nil
}

func (s *SQLiteStore) ListDetections(ctx context.Context, filter model.DetectionFilter) ([]model.Detection, error) {
	clause, args := detectionFilter(filter, sqlitePH)
	rows, err := s.db.QueryContext(ctx, `SELECT `+detectionColumns+` FROM detections`+clause, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list detections")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan detection")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate detections")
}

func (s *SQLiteStore) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	st := &Stats{}
	if err := groupCounts(ctx, s.db, st.addStatus,
		`SELECT status, COUNT(*) FROM persons GROUP BY status`); err != nil {
		return nil, eris.Wrap(err, "sqlite: count persons")
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM persons WHERE status = ? AND encoding IS NOT NULL AND length(encoding) > 0`,
		string(model.StatusMissing)).Scan(&st.Active); err != nil {
		return nil, eris.Wrap(err, "sqlite: count active")
	}
	if err := groupCounts(ctx, s.db, st.addNotified,
		`SELECT notified, COUNT(*) FROM detections WHERE detected_at >= ? GROUP BY notified`,
		since.UTC()); err != nil {
		return nil, eris.Wrap(err, "sqlite: count detections")
	}
	return st, nil
}

func groupCounts(ctx context.Context, db *sql.DB, add func(string, int), query string, args ...any) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck
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

func checkRowsAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "person %d", id)
	}
	return nil
}
