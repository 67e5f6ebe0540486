package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reunite/internal/model"
)

// recordingSender captures messages and optionally fails.
type recordingSender struct {
	name string
	err  error

	mu   sync.Mutex
	msgs []Message
}

func (s *recordingSender) Name() string { return s.name }

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSender) sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

func testPerson() *model.Person {
	return &model.Person{
		ID:               42,
		Name:             "Asha Rao",
		Age:              14,
		Gender:           "female",
		LastSeenLocation: "Central Station",
		LastSeenDate:     time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC),
		ContactName:      "Meera Rao",
		ContactEmail:     "meera@example.com",
		Status:           model.StatusMissing,
	}
}

func testDetection() *model.Detection {
	return &model.Detection{
		ID:             7,
		PersonID:       42,
		Confidence:     0.347,
		SourceLocation: "Market Road (Camera: 10.0.0.4)",
		DetectedAt:     time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestMatchAlert_Potential(t *testing.T) {
	msg := MatchAlert(testPerson(), testDetection())

	assert.Equal(t, KindMatchAlert, msg.Kind)
	assert.Equal(t, "ALERT: Asha Rao has been detected!", msg.Subject)
	assert.Equal(t, "MP-000042", msg.CaseID)
	assert.Contains(t, msg.Body, "Case ID: MP-000042")
	assert.Contains(t, msg.Body, "Location: Market Road (Camera: 10.0.0.4)")
	assert.Contains(t, msg.Body, "Match Confidence: 34.7%")
	assert.Contains(t, msg.Body, "Detection Time: 2025-06-01T09:30:00Z")
	assert.Contains(t, msg.Body, "Current Status: MISSING")
	assert.Contains(t, msg.Body, "Description: No additional description")
	assert.NotContains(t, msg.Body, "automatically marked as FOUND")
}

func TestMatchAlert_Found(t *testing.T) {
	p := testPerson()
	p.Status = model.StatusFound
	d := testDetection()
	d.Confidence = 0.62

	msg := MatchAlert(p, d)
	assert.Contains(t, msg.Body, "Current Status: FOUND")
	assert.Contains(t, msg.Body, "(62.0%), Asha Rao has been automatically marked as FOUND")
}

func TestMatchAlert_Defaults(t *testing.T) {
	msg := MatchAlert(&model.Person{ID: 1, Name: "X", Status: model.StatusMissing}, &model.Detection{Confidence: 0.3})
	assert.Contains(t, msg.Body, "Location: Location not specified")
	assert.Contains(t, msg.Body, "Detection Time: Just now")
	assert.Contains(t, msg.Body, "Dear family contact")
}

func TestRegistrationConfirmation(t *testing.T) {
	msg := RegistrationConfirmation(testPerson())
	assert.Equal(t, KindRegistration, msg.Kind)
	assert.Equal(t, "Missing Person Report Registered - Asha Rao", msg.Subject)
	assert.Contains(t, msg.Body, "Case ID: MP-000042")
	assert.Contains(t, msg.Body, "Last Seen Date: 2025-05-30")
	assert.Contains(t, msg.Body, "Phone: Not provided")
}

func TestNotifier_SendMatchAlert(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "probe.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpeg"), 0o644))

	s := &recordingSender{name: "rec"}
	n := New(s, WithAdminEmail("ops@example.com"))

	require.NoError(t, n.SendMatchAlert(context.Background(), testPerson(), testDetection(), img))

	sent := s.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"meera@example.com", "ops@example.com"}, sent[0].Recipients)
	require.NotNil(t, sent[0].Attachment)
	assert.Equal(t, "probe.jpg", sent[0].Attachment.Name)
	assert.Equal(t, "image/jpeg", sent[0].Attachment.ContentType)
	assert.Equal(t, []byte("jpeg"), sent[0].Attachment.Data)
}

func TestNotifier_MissingAttachmentStillSends(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := New(s)

	err := n.SendMatchAlert(context.Background(), testPerson(), testDetection(), "/nonexistent/probe.jpg")
	require.NoError(t, err)
	require.Len(t, s.sent(), 1)
	assert.Nil(t, s.sent()[0].Attachment)
}

func TestNotifier_AttachmentTooLarge(t *testing.T) {
	img := filepath.Join(t.TempDir(), "big.jpg")
	require.NoError(t, os.WriteFile(img, make([]byte, 100), 0o644))

	s := &recordingSender{name: "rec"}
	n := New(s, WithMaxAttachment(10))
	require.NoError(t, n.SendMatchAlert(context.Background(), testPerson(), testDetection(), img))
	assert.Nil(t, s.sent()[0].Attachment)
}

func TestNotifier_DedupesRecipients(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := New(s, WithAdminEmail("MEERA@example.com"))
	require.NoError(t, n.SendRegistrationConfirmation(context.Background(), testPerson()))
	assert.Equal(t, []string{"meera@example.com"}, s.sent()[0].Recipients)
}

func TestNotifier_SenderError(t *testing.T) {
	n := New(&recordingSender{name: "rec", err: errors.New("smtp down")})

	err := n.SendMatchAlert(context.Background(), testPerson(), testDetection(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
	assert.Contains(t, err.Error(), "MP-000042")

	assert.Error(t, n.SendMatchAlert(context.Background(), nil, testDetection(), ""))
	assert.Error(t, n.SendRegistrationConfirmation(context.Background(), nil))
}

func TestMulti_PartialFailureSucceeds(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	m := NewMulti(bad, nil, good)
	assert.Equal(t, 2, m.Len())

	require.NoError(t, m.Send(context.Background(), Message{Subject: "s"}))
	assert.Len(t, bad.sent(), 1)
	assert.Len(t, good.sent(), 1)
}

func TestMulti_AllFail(t *testing.T) {
	m := NewMulti(
		&recordingSender{name: "a", err: errors.New("a down")},
		&recordingSender{name: "b", err: errors.New("b down")},
	)
	err := m.Send(context.Background(), Message{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a down")
	assert.Contains(t, err.Error(), "b down")

	assert.Error(t, NewMulti().Send(context.Background(), Message{}))
}

func TestWebhook_Send(t *testing.T) {
	var got Message
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	msg := MatchAlert(testPerson(), testDetection())
	msg.Attachment = &Attachment{Name: "p.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8}}

	require.NoError(t, NewWebhook(ts.URL, time.Second).Send(context.Background(), msg))
	assert.Equal(t, msg.Subject, got.Subject)
	assert.Equal(t, "MP-000042", got.CaseID)
	require.NotNil(t, got.Attachment)
	assert.Equal(t, []byte{0xff, 0xd8}, got.Attachment.Data)
}

func TestWebhook_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer ts.Close()

	err := NewWebhook(ts.URL, time.Second).Send(context.Background(), Message{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502: nope")
}

func TestShoutrrr_Config(t *testing.T) {
	_, err := NewShoutrrr(nil, time.Second)
	assert.Error(t, err)

	_, err = NewShoutrrr([]string{"notaservice://token@host"}, time.Second)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "token@host")
}

func TestShoutrrr_SendLogger(t *testing.T) {
	s, err := NewShoutrrr([]string{"logger://"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "shoutrrr", s.Name())

	msg := MatchAlert(testPerson(), testDetection())
	assert.NoError(t, s.Send(context.Background(), msg))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.Send(ctx, msg))
}

// fakeSMTP accepts mail without auth or TLS and records RCPT addresses.
type fakeSMTP struct {
	addr string

	mu    sync.Mutex
	rcpts []string
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	f := &fakeSMTP{addr: ln.Addr().String()}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeSMTP) serve(conn net.Conn) {
	defer conn.Close() //nolint:errcheck
	r := bufio.NewReader(conn)
	reply := func(s string) { _, _ = fmt.Fprintf(conn, "%s\r\n", s) }

	reply("220 localhost ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 localhost")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			addr := strings.TrimSuffix(strings.TrimPrefix(line[len("RCPT TO:"):], "<"), ">")
			f.mu.Lock()
			f.rcpts = append(f.rcpts, addr)
			f.mu.Unlock()
			reply("250 OK")
		case cmd == "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>")
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(l, "\r\n") == "." {
					break
				}
			}
			reply("250 OK queued")
		case cmd == "QUIT":
			reply("221 Bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func (f *fakeSMTP) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rcpts...)
}

func TestShoutrrr_SMTPMailsContactAndAdmin(t *testing.T) {
	srv := startFakeSMTP(t)
	s, err := NewShoutrrr([]string{
		"smtp://" + srv.addr + "/?fromaddress=alerts@reunite.test&toaddresses=admin@reunite.test&usestarttls=no",
	}, 5*time.Second)
	require.NoError(t, err)

	n := New(s, WithAdminEmail("admin@reunite.test"))
	require.NoError(t, n.SendMatchAlert(context.Background(), testPerson(), testDetection(), ""))

	assert.ElementsMatch(t, []string{"admin@reunite.test", "meera@example.com"}, srv.recipients())
}

func TestShoutrrr_SMTPKeepsURLRecipientsWithoutContact(t *testing.T) {
	srv := startFakeSMTP(t)
	s, err := NewShoutrrr([]string{
		"smtp://" + srv.addr + "/?fromaddress=alerts@reunite.test&toaddresses=ops@reunite.test&usestarttls=no",
	}, 5*time.Second)
	require.NoError(t, err)

	p := testPerson()
	p.ContactEmail = ""
	require.NoError(t, New(s).SendRegistrationConfirmation(context.Background(), p))

	assert.Equal(t, []string{"ops@reunite.test"}, srv.recipients())
}

func TestMergeAddresses(t *testing.T) {
	got := mergeAddresses(
		[]string{"ops@reunite.test", " "},
		[]string{"Meera@example.com", "OPS@reunite.test", "meera@example.com"},
	)
	assert.Equal(t, []string{"ops@reunite.test", "Meera@example.com"}, got)
}
