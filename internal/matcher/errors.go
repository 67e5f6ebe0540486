package matcher

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// Failure classes. Per-record classes are isolated to the record or outcome
// they occur on; ErrRegistrySnapshot fails the whole probe.
var (
	ErrScoringUnavailable = eris.New("scoring unavailable")
	ErrRegistrySnapshot   = eris.New("registry snapshot failed")
	ErrLedgerWrite        = eris.New("ledger write failed")
	ErrNotification       = eris.New("notification failed")
)

// Failure ties an underlying error to one of the failure classes above.
// errors.Is matches both the class and the cause.
type Failure struct {
	Class    error
	PersonID int64
	Err      error
}

func (f *Failure) Error() string {
	if f.PersonID != 0 {
		return fmt.Sprintf("%s: person %d: %v", f.Class, f.PersonID, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Class, f.Err)
}

func (f *Failure) Unwrap() []error {
	return []error{f.Class, f.Err}
}

func fail(class error, personID int64, err error) *Failure {
	return &Failure{Class: class, PersonID: personID, Err: err}
}
