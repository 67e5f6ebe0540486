package notify

import (
	"context"
	"errors"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/rotisserie/eris"
)

// Shoutrrr delivers messages to every configured shoutrrr service URL
// (smtp://, telegram://, slack://, ...). SMTP services also mail the
// message recipients; other services post to their fixed channel.
type Shoutrrr struct {
	targets []shoutrrrTarget
}

type shoutrrrTarget struct {
	scheme string
	to     []string // toaddresses fixed in the URL
	sender *router.ServiceRouter
}

// NewShoutrrr builds a sender for urls. Invalid URLs are rejected here so
// bad configuration fails at startup.
func NewShoutrrr(urls []string, timeout time.Duration) (*Shoutrrr, error) {
	if len(urls) == 0 {
		return nil, eris.New("notify: at least one shoutrrr url is required")
	}

	s := &Shoutrrr{}
	for _, raw := range urls {
		sender, err := shoutrrr.CreateSender(raw)
		if err != nil {
			// urls carry credentials
			return nil, eris.Errorf("notify: invalid shoutrrr url: %s", redactURLs(err.Error(), urls))
		}
		if timeout > 0 {
			sender.Timeout = timeout
		}
		sender.SetLogger(log.New(io.Discard, "", 0))

		t := shoutrrrTarget{sender: sender}
		if u, err := url.Parse(raw); err == nil {
			t.scheme = strings.ToLower(u.Scheme)
			t.to = urlAddresses(u)
		}
		s.targets = append(s.targets, t)
	}
	return s, nil
}

// Name implements Sender.
func (s *Shoutrrr) Name() string { return "shoutrrr" }

// Send implements Sender. It fails if any service rejects the message.
// Shoutrrr services carry text only, so an attachment is named in the body.
func (s *Shoutrrr) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "notify: shoutrrr send")
	}

	body := msg.Body
	if msg.Attachment != nil {
		body += "\nProbe image: " + msg.Attachment.Name + "\n"
	}

	var errs []error
	for _, t := range s.targets {
		params := stypes.Params{}
		if msg.Subject != "" {
			params.SetTitle(msg.Subject)
		}
		if t.scheme == "smtp" && len(msg.Recipients) > 0 {
			params["toaddresses"] = strings.Join(mergeAddresses(t.to, msg.Recipients), ",")
		}
		for _, err := range t.sender.Send(body, &params) {
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return eris.Wrap(errors.Join(errs...), "notify: shoutrrr send")
	}
	return nil
}

func urlAddresses(u *url.URL) []string {
	q := u.Query()
	raw := q.Get("toaddresses")
	if raw == "" {
		raw = q.Get("to")
	}
	var out []string
	for _, addr := range strings.Split(raw, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// mergeAddresses returns the union of both lists, case-insensitive, in order.
func mergeAddresses(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, addr := range list {
			key := strings.ToLower(strings.TrimSpace(addr))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, strings.TrimSpace(addr))
		}
	}
	return out
}

func redactURLs(msg string, urls []string) string {
	for _, u := range urls {
		msg = strings.ReplaceAll(msg, u, "[redacted]")
	}
	return msg
}
