// Package model defines the registry, ledger, and match result types shared
// across the engine, stores, and notifiers.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Status is the case status of a registered missing person.
type Status string

const (
	StatusMissing Status = "missing"
	StatusFound   Status = "found"
	StatusClosed  Status = "closed"
)

// ParseStatus converts a case-insensitive status label into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusMissing:
		return StatusMissing, nil
	case StatusFound:
		return StatusFound, nil
	case StatusClosed:
		return StatusClosed, nil
	default:
		return "", eris.Errorf("model: invalid status %q (want missing, found or closed)", s)
	}
}

// Person is a missing-person registry entry.
type Person struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Age              int       `json:"age"`
	Gender           string    `json:"gender"`
	LastSeenLocation string    `json:"last_seen_location"`
	LastSeenDate     time.Time `json:"last_seen_date"`
	Description      string    `json:"description,omitempty"`
	ContactName      string    `json:"contact_name"`
	ContactEmail     string    `json:"contact_email"`
	ContactPhone     string    `json:"contact_phone"`
	PhotoFilename    string    `json:"photo_filename,omitempty"`
	Encoding         []byte    `json:"-"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Scorable reports whether the person may be presented to a scorer: only
// missing cases with a stored encoding are matched against probes.
func (p *Person) Scorable() bool {
	return p.Status == StatusMissing && len(p.Encoding) > 0
}

// CaseID renders the human-facing case reference used in alerts.
func (p *Person) CaseID() string {
	return CaseID(p.ID)
}

// CaseID formats a person id as a case reference.
func CaseID(personID int64) string {
	return fmt.Sprintf("MP-%06d", personID)
}

// PersonFilter narrows registry listings.
type PersonFilter struct {
	Status Status `json:"status,omitempty"`
	Search string `json:"search,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}
