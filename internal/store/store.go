// Package store persists the missing-person registry and the detection
// ledger on SQLite or PostgreSQL.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reunite/internal/model"
)

// ErrNotFound is returned when a person or detection does not exist.
var ErrNotFound = eris.New("store: not found")

// Stats summarizes the registry and the recent ledger.
type Stats struct {
	Missing      int `json:"missing"`
	Found        int `json:"found"`
	Closed       int `json:"closed"`
	Active       int `json:"active"`
	Detections   int `json:"detections"`
	Delivered    int `json:"delivered"`
	Failed       int `json:"failed"`
	NotAttempted int `json:"not_attempted"`
}

// Store is the registry and ledger used by the match engine plus the
// admin-only operations behind the case management commands.
type Store interface {
	// Registry
	CreatePerson(ctx context.Context, p *model.Person) (*model.Person, error)
	GetPerson(ctx context.Context, id int64) (*model.Person, error)
	ListPersons(ctx context.Context, filter model.PersonFilter) ([]model.Person, error)
	FetchActive(ctx context.Context) ([]model.Person, error)
	CompareAndSetFound(ctx context.Context, personID int64) (bool, error)

	// Admin transitions
	SetStatus(ctx context.Context, id int64, status model.Status) error
	ResetFoundToMissing(ctx context.Context) (int, error)
	PurgeFound(ctx context.Context) ([]string, error)
	DeletePerson(ctx context.Context, id int64) error

	// Ledger
	AppendDetection(ctx context.Context, d model.Detection) (int64, error)
	MarkNotified(ctx context.Context, detectionID int64, outcome model.NotifyOutcome) error
	ListDetections(ctx context.Context, filter model.DetectionFilter) ([]model.Detection, error)

	Stats(ctx context.Context, since time.Time) (*Stats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const personColumns = `id, name, age, gender, last_seen_location, last_seen_date, description,
	contact_name, contact_email, contact_phone, photo_filename, encoding, status, created_at, updated_at`

const detectionColumns = `id, person_id, confidence, source_location, detected_at, notified`

type scannable interface {
	Scan(dest ...any) error
}

func scanPerson(row scannable) (*model.Person, error) {
	var p model.Person
	var status string
	err := row.Scan(&p.ID, &p.Name, &p.Age, &p.Gender, &p.LastSeenLocation, &p.LastSeenDate,
		&p.Description, &p.ContactName, &p.ContactEmail, &p.ContactPhone, &p.PhotoFilename,
		&p.Encoding, &status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if p.Status, err = model.ParseStatus(status); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanDetection(row scannable) (*model.Detection, error) {
	var d model.Detection
	var notified string
	if err := row.Scan(&d.ID, &d.PersonID, &d.Confidence, &d.SourceLocation, &d.DetectedAt, &notified); err != nil {
		return nil, err
	}
	var err error
	if d.Notified, err = model.ParseNotifyOutcome(notified); err != nil {
		return nil, err
	}
	return &d, nil
}

func validatePerson(p *model.Person) error {
	if p == nil {
		return eris.New("store: nil person")
	}
	if strings.TrimSpace(p.Name) == "" {
		return eris.New("store: person name is required")
	}
	if p.Age < 0 || p.Age > 150 {
		return eris.Errorf("store: invalid age %d", p.Age)
	}
	if p.Status == "" {
		p.Status = model.StatusMissing
	}
	_, err := model.ParseStatus(string(p.Status))
	return err
}

func validateDetection(d *model.Detection) error {
	if d.PersonID <= 0 {
		return eris.New("store: detection person id is required")
	}
	if d.Confidence < 0 || d.Confidence > 1 || d.Confidence != d.Confidence {
		return eris.Errorf("store: confidence %v out of range", d.Confidence)
	}
	if d.Notified == "" {
		d.Notified = model.NotifyNotAttempted
	}
	if d.DetectedAt.IsZero() {
		d.DetectedAt = time.Now().UTC()
	}
	_, err := model.ParseNotifyOutcome(string(d.Notified))
	return err
}

// where accumulates filter clauses for a dialect's placeholder style.
type where struct {
	clauses []string
	args    []any
	ph      func(n int) string
}

func sqlitePH(int) string    { return "?" }
func postgresPH(n int) string { return fmt.Sprintf("$%d", n) }

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", w.ph(len(w.args))))
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *where) limit(limit, offset int) string {
	var sb strings.Builder
	if limit > 0 {
		w.args = append(w.args, limit)
		fmt.Fprintf(&sb, " LIMIT %s", w.ph(len(w.args)))
	}
	if offset > 0 {
		if limit <= 0 && w.ph(1) == "?" {
			// SQLite requires LIMIT before OFFSET
			sb.WriteString(" LIMIT -1")
		}
		w.args = append(w.args, offset)
		fmt.Fprintf(&sb, " OFFSET %s", w.ph(len(w.args)))
	}
	return sb.String()
}

func personFilter(f model.PersonFilter, ph func(int) string, like string) (string, []any) {
	w := &where{ph: ph}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		w.add("name "+like+" ?", "%"+s+"%")
	}
	q := w.String() + " ORDER BY created_at DESC, id DESC" + w.limit(f.Limit, f.Offset)
	return q, w.args
}

func detectionFilter(f model.DetectionFilter, ph func(int) string) (string, []any) {
	w := &where{ph: ph}
	if f.PersonID > 0 {
		w.add("person_id = ?", f.PersonID)
	}
	if f.Notified != "" {
		w.add("notified = ?", string(f.Notified))
	}
	if !f.DetectedAfter.IsZero() {
		w.add("detected_at >= ?", f.DetectedAfter.UTC())
	}
	q := w.String() + " ORDER BY detected_at DESC, id DESC" + w.limit(f.Limit, 0)
	return q, w.args
}

func (s *Stats) addStatus(status string, n int) {
	switch model.Status(status) {
	case model.StatusMissing:
		s.Missing = n
	case model.StatusFound:
		s.Found = n
	case model.StatusClosed:
		s.Closed = n
	}
}

func (s *Stats) addNotified(outcome string, n int) {
	s.Detections += n
	switch model.NotifyOutcome(outcome) {
	case model.NotifyDelivered:
		s.Delivered = n
	case model.NotifyFailed:
		s.Failed = n
	case model.NotifyNotAttempted:
		s.NotAttempted = n
	}
}
