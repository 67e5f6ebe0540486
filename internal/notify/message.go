package notify

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/reunite/internal/model"
)

// Attachment is a file sent along with a message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Message is a rendered notification ready for delivery.
type Message struct {
	Kind       string      `json:"kind"`
	Subject    string      `json:"subject"`
	Body       string      `json:"body"`
	Recipients []string    `json:"recipients,omitempty"`
	CaseID     string      `json:"case_id"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Message kinds.
const (
	KindMatchAlert   = "match_alert"
	KindRegistration = "registration"
)

var upper = cases.Upper(language.Und)

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func formatDate(t time.Time, def string) string {
	if t.IsZero() {
		return def
	}
	return t.UTC().Format("2006-01-02")
}

// MatchAlert renders the alert for a detection of person.
func MatchAlert(person *model.Person, det *model.Detection) Message {
	var b strings.Builder

	fmt.Fprintf(&b, "MISSING PERSON DETECTED\n\n")
	fmt.Fprintf(&b, "Dear %s,\n\n", orDefault(person.ContactName, "family contact"))
	fmt.Fprintf(&b, "We have detected a potential match for %s who was reported missing.\n\n", person.Name)
	if person.Status == model.StatusFound {
		fmt.Fprintf(&b, "Due to the high confidence of this match (%.1f%%), %s has been automatically marked as FOUND.\n\n",
			det.Confidence*100, person.Name)
	}

	b.WriteString("DETECTION DETAILS\n")
	fmt.Fprintf(&b, "Case ID: %s\n", person.CaseID())
	fmt.Fprintf(&b, "Location: %s\n", orDefault(det.SourceLocation, "Location not specified"))
	if det.DetectedAt.IsZero() {
		b.WriteString("Detection Time: Just now\n")
	} else {
		fmt.Fprintf(&b, "Detection Time: %s\n", det.DetectedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Match Confidence: %.1f%%\n", det.Confidence*100)
	fmt.Fprintf(&b, "Current Status: %s\n\n", upper.String(string(person.Status)))

	b.WriteString("MISSING PERSON\n")
	fmt.Fprintf(&b, "Name: %s\n", person.Name)
	if person.Age > 0 {
		fmt.Fprintf(&b, "Age: %d\n", person.Age)
	}
	if person.Gender != "" {
		fmt.Fprintf(&b, "Gender: %s\n", person.Gender)
	}
	fmt.Fprintf(&b, "Last Known Location: %s\n", orDefault(person.LastSeenLocation, "Not specified"))
	fmt.Fprintf(&b, "Last Seen Date: %s\n", formatDate(person.LastSeenDate, "Not specified"))
	fmt.Fprintf(&b, "Description: %s\n\n", orDefault(person.Description, "No additional description"))

	b.WriteString("Face matches can be wrong. Please verify before taking action and contact local police.\n")

	return Message{
		Kind:    KindMatchAlert,
		Subject: fmt.Sprintf("ALERT: %s has been detected!", person.Name),
		Body:    b.String(),
		CaseID:  person.CaseID(),
	}
}

// RegistrationConfirmation renders the confirmation sent when a case is
// registered.
func RegistrationConfirmation(person *model.Person) Message {
	var b strings.Builder

	fmt.Fprintf(&b, "MISSING PERSON REPORT REGISTERED\n\n")
	fmt.Fprintf(&b, "Dear %s,\n\n", orDefault(person.ContactName, "family contact"))
	b.WriteString("Your missing person report has been registered.\n\n")

	b.WriteString("CASE INFORMATION\n")
	fmt.Fprintf(&b, "Case ID: %s\n", person.CaseID())
	fmt.Fprintf(&b, "Missing Person: %s\n", person.Name)
	if person.Age > 0 {
		fmt.Fprintf(&b, "Age: %d\n", person.Age)
	}
	fmt.Fprintf(&b, "Last Seen Location: %s\n", orDefault(person.LastSeenLocation, "Not specified"))
	fmt.Fprintf(&b, "Last Seen Date: %s\n", formatDate(person.LastSeenDate, "Not specified"))
	fmt.Fprintf(&b, "Description: %s\n", orDefault(person.Description, "No additional description"))
	fmt.Fprintf(&b, "Registered: %s\n\n", formatDate(person.CreatedAt, "Just now"))

	b.WriteString("CONTACT DETAILS ON FILE\n")
	fmt.Fprintf(&b, "Email: %s\n", orDefault(person.ContactEmail, "Not provided"))
	fmt.Fprintf(&b, "Phone: %s\n\n", orDefault(person.ContactPhone, "Not provided"))

	fmt.Fprintf(&b, "Uploads and cameras are now matched against %s. You will be alerted on every potential match.\n", person.Name)
	fmt.Fprintf(&b, "Share case ID %s with the authorities.\n", person.CaseID())

	return Message{
		Kind:    KindRegistration,
		Subject: fmt.Sprintf("Missing Person Report Registered - %s", person.Name),
		Body:    b.String(),
		CaseID:  person.CaseID(),
	}
}

// loadAttachment reads path into an Attachment, refusing files over max
// bytes.
func loadAttachment(path string, max int64) (*Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrap(err, "notify: stat attachment")
	}
	if info.Size() > max {
		return nil, eris.Errorf("notify: attachment %s is %d bytes, limit %d", filepath.Base(path), info.Size(), max)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "notify: read attachment")
	}
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &Attachment{Name: filepath.Base(path), ContentType: ct, Data: data}, nil
}
