package matcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/reunite/internal/model"
)

// memStore is an in-memory Registry and Ledger.
type memStore struct {
	mu         sync.Mutex
	persons    map[int64]*model.Person
	detections []model.Detection
	fetchErr   error
	appendErrs map[int64]error
	casErr     error
	getErr     error
	casCalls   int
	casWins    int
	unfiltered bool
}

func newMemStore(persons ...model.Person) *memStore {
	s := &memStore{
		persons:    make(map[int64]*model.Person),
		appendErrs: make(map[int64]error),
	}
	for _, p := range persons {
		s.persons[p.ID] = &p
	}
	return s
}

func (s *memStore) FetchActive(_ context.Context) ([]model.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []model.Person
	for _, p := range s.persons {
		if s.unfiltered || p.Scorable() {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memStore) CompareAndSetFound(_ context.Context, personID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.casCalls++
	if s.casErr != nil {
		return false, s.casErr
	}
	p, ok := s.persons[personID]
	if !ok || p.Status != model.StatusMissing {
		return false, nil
	}
	p.Status = model.StatusFound
	p.UpdatedAt = time.Now()
	s.casWins++
	return true, nil
}

func (s *memStore) GetPerson(_ context.Context, id int64) (*model.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	p, ok := s.persons[id]
	if !ok {
		return nil, errors.New("person not found")
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) AppendDetection(_ context.Context, d model.Detection) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendErrs[d.PersonID]; err != nil {
		return 0, err
	}
	d.ID = int64(len(s.detections) + 1)
	s.detections = append(s.detections, d)
	return d.ID, nil
}

func (s *memStore) MarkNotified(_ context.Context, id int64, outcome model.NotifyOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.detections {
		if s.detections[i].ID == id && s.detections[i].Notified == model.NotifyNotAttempted {
			s.detections[i].Notified = outcome
		}
	}
	return nil
}

func (s *memStore) person(id int64) model.Person {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.persons[id]
}

func (s *memStore) detectionsFor(personID int64) []model.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Detection
	for _, d := range s.detections {
		if d.PersonID == personID {
			out = append(out, d)
		}
	}
	return out
}

// mockNotifier records alert attempts.
type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendMatchAlert(ctx context.Context, person *model.Person, detection *model.Detection, attachment string) error {
	args := m.Called(ctx, person, detection, attachment)
	return args.Error(0)
}

func newPerson(id int64, encoding string) model.Person {
	return model.Person{
		ID:           id,
		Name:         "Person " + encoding,
		Encoding:     []byte(encoding),
		Status:       model.StatusMissing,
		ContactEmail: encoding + "@example.com",
	}
}
