// Package notify renders match alerts and case confirmations and delivers
// them over shoutrrr service URLs and JSON webhooks.
package notify

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reunite/internal/model"
)

// Sender delivers a rendered message over one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Notifier renders messages for the match engine and case commands and
// hands them to a Sender.
type Notifier struct {
	sender        Sender
	adminEmail    string
	maxAttachment int64
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithAdminEmail copies every message to the given address.
func WithAdminEmail(addr string) Option {
	return func(n *Notifier) { n.adminEmail = strings.TrimSpace(addr) }
}

// WithMaxAttachment caps the size of attached probe images.
func WithMaxAttachment(bytes int64) Option {
	return func(n *Notifier) {
		if bytes > 0 {
			n.maxAttachment = bytes
		}
	}
}

// New creates a Notifier that delivers through sender.
func New(sender Sender, opts ...Option) *Notifier {
	n := &Notifier{sender: sender, maxAttachment: 8 << 20}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Notifier) recipients(p *model.Person) []string {
	var out []string
	for _, addr := range []string{p.ContactEmail, n.adminEmail} {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		dup := false
		for _, seen := range out {
			if strings.EqualFold(seen, addr) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, addr)
		}
	}
	return out
}

// SendMatchAlert delivers the alert for a detection. attachment is the probe
// image path; an unreadable attachment is dropped and the alert still sent.
func (n *Notifier) SendMatchAlert(ctx context.Context, person *model.Person, det *model.Detection, attachment string) error {
	if person == nil || det == nil {
		return eris.New("notify: person and detection are required")
	}
	msg := MatchAlert(person, det)
	msg.Recipients = n.recipients(person)

	if attachment != "" {
		a, err := loadAttachment(attachment, n.maxAttachment)
		if err != nil {
			zap.L().Warn("notify: sending alert without attachment",
				zap.String("case_id", msg.CaseID),
				zap.Error(err),
			)
		} else {
			msg.Attachment = a
		}
	}

	if err := n.sender.Send(ctx, msg); err != nil {
		return eris.Wrapf(err, "notify: match alert for %s", msg.CaseID)
	}
	zap.L().Info("notify: match alert sent",
		zap.String("case_id", msg.CaseID),
		zap.String("sender", n.sender.Name()),
		zap.Int("recipients", len(msg.Recipients)),
	)
	return nil
}

// SendRegistrationConfirmation tells the reporting contact that a case was
// registered.
func (n *Notifier) SendRegistrationConfirmation(ctx context.Context, person *model.Person) error {
	if person == nil {
		return eris.New("notify: person is required")
	}
	msg := RegistrationConfirmation(person)
	msg.Recipients = n.recipients(person)

	if err := n.sender.Send(ctx, msg); err != nil {
		return eris.Wrapf(err, "notify: registration confirmation for %s", msg.CaseID)
	}
	zap.L().Info("notify: registration confirmation sent", zap.String("case_id", msg.CaseID))
	return nil
}
