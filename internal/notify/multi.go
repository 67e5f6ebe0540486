package notify

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Multi fans a message out to several senders concurrently. Delivery counts
// as successful when at least one sender succeeds.
type Multi struct {
	senders []Sender
}

// NewMulti combines the non-nil senders.
func NewMulti(senders ...Sender) *Multi {
	m := &Multi{}
	for _, s := range senders {
		if s != nil {
			m.senders = append(m.senders, s)
		}
	}
	return m
}

// Len returns the number of channels.
func (m *Multi) Len() int { return len(m.senders) }

// Name implements Sender.
func (m *Multi) Name() string { return "multi" }

// Send implements Sender.
func (m *Multi) Send(ctx context.Context, msg Message) error {
	if len(m.senders) == 0 {
		return eris.New("notify: no channels configured")
	}

	errs := make([]error, len(m.senders))
	var g errgroup.Group
	for i, s := range m.senders {
		g.Go(func() error {
			if err := s.Send(ctx, msg); err != nil {
				errs[i] = eris.Wrapf(err, "channel %s", s.Name())
				zap.L().Warn("notify: channel failed",
					zap.String("channel", s.Name()),
					zap.String("case_id", msg.CaseID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	return eris.Wrap(errors.Join(errs...), "notify: every channel failed")
}
