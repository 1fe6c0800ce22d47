package channels

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"switchboard/internal/notify"
	"switchboard/internal/storage"
	"switchboard/internal/transport"
	logx "switchboard/pkg/logx"
)

func TestSMSStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusAccepted, false, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusBadGateway, true, false},
		{http.StatusUnprocessableEntity, true, true},
		{http.StatusUnauthorized, true, true},
	}
	for _, tc := range cases {
		var got smsRequest
		var auth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"data":{"id":"m-1"}}`))
		}))
		s := NewSMS(SMSConfig{APIURL: srv.URL, APIKey: "KEY1", From: "+15550001"}, logx.Nop())
		err := s.Attempt(context.Background(), notify.Notification{RecipientPhone: "+62 812-3456", Subject: "Hi", Message: "body"})
		srv.Close()

		if (err != nil) != tc.wantErr {
			t.Fatalf("%d: err = %v", tc.status, err)
		}
		if err != nil && notify.IsNoRetry(err) != tc.permanent {
			t.Fatalf("%d: permanent = %v, err = %v", tc.status, notify.IsNoRetry(err), err)
		}
		if auth != "Bearer KEY1" || got.To != "+628123456" || got.Text != "Hi\nbody" || got.From != "+15550001" {
			t.Fatalf("%d: request auth=%q body=%+v", tc.status, auth, got)
		}
	}
}

func TestSMSMissingPhoneIsPermanent(t *testing.T) {
	s := NewSMS(SMSConfig{APIURL: "http://127.0.0.1:1"}, logx.Nop())
	if err := s.Attempt(context.Background(), notify.Notification{Message: "x"}); !notify.IsNoRetry(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestWhatsAppRequestAndQuota(t *testing.T) {
	var path string
	var body whatsAppRequest
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"idMessage":"abc"}`))
	}))
	defer srv.Close()

	w := NewWhatsApp(WhatsAppConfig{APIURL: srv.URL + "/", InstanceID: "1101", Token: "tok"}, logx.Nop())
	n := notify.Notification{RecipientPhone: "+62 812 3456", Message: "hello"}
	if err := w.Attempt(context.Background(), n); err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if path != "/waInstance1101/sendMessage/tok" || body.ChatID != "628123456@c.us" || body.Message != "hello" {
		t.Fatalf("path=%q body=%+v", path, body)
	}

	status = statusQuotaExceeded
	if err := w.Attempt(context.Background(), n); err == nil || notify.IsNoRetry(err) {
		t.Fatalf("quota: err = %v, want retryable", err)
	}
	status = http.StatusBadRequest
	if err := w.Attempt(context.Background(), n); !notify.IsNoRetry(err) {
		t.Fatalf("400: err = %v, want permanent", err)
	}
}

func TestWhatsAppTransportErrorHidesToken(t *testing.T) {
	w := NewWhatsApp(WhatsAppConfig{APIURL: "http://127.0.0.1:1", InstanceID: "1", Token: "secret-token", Timeout: time.Second}, logx.Nop())
	err := w.Attempt(context.Background(), notify.Notification{RecipientPhone: "+1555", Message: "x"})
	if err == nil || notify.IsNoRetry(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Fatalf("error leaks token: %v", err)
	}
}

func TestEmailAttempt(t *testing.T) {
	e := NewEmail(EmailConfig{Host: "smtp.test", From: "noreply@test"}, logx.Nop())
	e.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	var sentTo string
	var sent []byte
	e.send = func(ctx context.Context, to string, msg []byte) error {
		sentTo, sent = to, msg
		return nil
	}
	err := e.Attempt(context.Background(), notify.Notification{RecipientEmail: "Ana <ana@example.com>", Subject: "Invoice\r\nBcc: x", Message: "line1\nline2"})
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	msg := string(sent)
	if sentTo != "ana@example.com" {
		t.Fatalf("to = %q", sentTo)
	}
	for _, want := range []string{"From: noreply@test\r\n", "Subject: Invoice  Bcc: x\r\n", "\r\n\r\nline1\r\nline2\r\n"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}

	if err := e.Attempt(context.Background(), notify.Notification{RecipientEmail: "not-an-address", Message: "x"}); !notify.IsNoRetry(err) {
		t.Fatalf("invalid address: err = %v", err)
	}
}

func TestEmailEncodesNonASCIISubject(t *testing.T) {
	msg := string(buildMessage("a@test", "b@test", "Faktur № 7 – Zürich", "x", time.Unix(0, 0)))
	var subject string
	for _, line := range strings.Split(msg, "\r\n") {
		if v, ok := strings.CutPrefix(line, "Subject: "); ok {
			subject = v
		}
	}
	if !strings.HasPrefix(subject, "=?utf-8?q?") {
		t.Fatalf("subject not encoded: %q", subject)
	}
	dec, err := new(mime.WordDecoder).DecodeHeader(subject)
	if err != nil || dec != "Faktur № 7 – Zürich" {
		t.Fatalf("decoded = %q, %v", dec, err)
	}
}

func TestProviderErrorBodyIsCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(strings.Repeat("e", 10<<10)))
	}))
	defer srv.Close()

	s := NewSMS(SMSConfig{APIURL: srv.URL, APIKey: "k", From: "+1000"}, logx.Nop())
	err := s.Attempt(context.Background(), notify.Notification{RecipientPhone: "+1555", Message: "x"})
	if !notify.IsNoRetry(err) {
		t.Fatalf("err = %v", err)
	}
	if len(err.Error()) > maxErrorBody+100 {
		t.Fatalf("error detail is %d bytes", len(err.Error()))
	}
}

func TestEmailSMTPClassification(t *testing.T) {
	e := NewEmail(EmailConfig{Host: "smtp.test", From: "a@test"}, logx.Nop())
	n := notify.Notification{RecipientEmail: "b@test", Message: "x"}

	e.send = func(context.Context, string, []byte) error {
		return &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
	}
	if err := e.Attempt(context.Background(), n); !notify.IsNoRetry(err) {
		t.Fatalf("550: err = %v", err)
	}
	e.send = func(context.Context, string, []byte) error {
		return &textproto.Error{Code: 451, Msg: "try later"}
	}
	if err := e.Attempt(context.Background(), n); err == nil || notify.IsNoRetry(err) {
		t.Fatalf("451: err = %v", err)
	}
}

type fakeLookup map[string]int64

func (f fakeLookup) Lookup(ctx context.Context, phone string) (storage.ChatBinding, bool, error) {
	if phone == "fault" {
		return storage.ChatBinding{}, false, errors.New("disk busy")
	}
	id, ok := f[phone]
	return storage.ChatBinding{Phone: phone, ChatID: id}, ok, nil
}

type fakeSender struct {
	calls atomic.Int32
	err   error
	last  transport.ChatTarget
}

func (s *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	s.calls.Add(1)
	s.last = to
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 1}, s.err
}

func TestBotAttempt(t *testing.T) {
	lookup := fakeLookup{"+628123": 42}
	cases := []struct {
		name      string
		phone     string
		sendErr   error
		wantErr   bool
		permanent bool
		sends     int32
	}{
		{"enrolled", "+628123", nil, false, false, 1},
		{"not enrolled", "+1999", nil, true, true, 0},
		{"lookup fault", "fault", nil, true, false, 0},
		{"blocked", "+628123", transport.ErrUnreachable, true, true, 1},
		{"flood", "+628123", transport.ErrRateLimited, true, false, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &fakeSender{err: tc.sendErr}
			b := NewBot(lookup, s, 0, logx.Nop())
			err := b.Attempt(context.Background(), notify.Notification{RecipientPhone: tc.phone, Message: "hi"})
			if (err != nil) != tc.wantErr || (err != nil && notify.IsNoRetry(err) != tc.permanent) {
				t.Fatalf("err = %v", err)
			}
			if s.calls.Load() != tc.sends {
				t.Fatalf("sends = %d", s.calls.Load())
			}
			if tc.sends > 0 && s.last.ChatID != 42 {
				t.Fatalf("chat = %d", s.last.ChatID)
			}
		})
	}
	err := NewBot(lookup, &fakeSender{}, 0, logx.Nop()).Attempt(context.Background(), notify.Notification{RecipientPhone: "+1999", Message: "hi"})
	if !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("err = %v", err)
	}
}
