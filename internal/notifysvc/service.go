// Package notifysvc exposes the dispatch engine as the notifications.send
// operation.
package notifysvc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"switchboard/internal/notify"
	"switchboard/internal/rpc"
	logx "switchboard/pkg/logx"
)

const DefaultDestination = "notifications.send"

// Request is the payload of notifications.send.
type Request struct {
	RecipientEmail string   `json:"recipient_email,omitempty"`
	RecipientPhone string   `json:"recipient_phone,omitempty"`
	Subject        string   `json:"subject,omitempty"`
	Message        string   `json:"message"`
	Channels       []string `json:"channels"`
	// DocumentID, when set, is resolved to a title that prefixes the subject.
	DocumentID string `json:"document_id,omitempty"`
}

type Dispatcher interface {
	Send(ctx context.Context, n notify.Notification, channels []string) notify.Report
}

type Caller interface {
	Call(ctx context.Context, destination string, payload any, timeout time.Duration) (json.RawMessage, error)
}

type Config struct {
	// DocumentsDestination resolves document_id; empty disables the lookup.
	DocumentsDestination string
	LookupTimeout        time.Duration
}

type Service struct {
	engine Dispatcher
	docs   Caller
	cfg    Config
	log    logx.Logger
}

func New(engine Dispatcher, docs Caller, cfg Config, log logx.Logger) *Service {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{engine: engine, docs: docs, cfg: cfg, log: log.With(logx.String("comp", "notifysvc"))}
}

// Handle implements rpc.Operation. Partial delivery is not an error: the
// reply is always the report.
func (s *Service) Handle(ctx context.Context, payload json.RawMessage) (any, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, rpc.NewDomainError(rpc.CodeBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, rpc.NewDomainError(rpc.CodeInvalid, "message is required")
	}
	if len(req.Channels) == 0 {
		return nil, rpc.NewDomainError(rpc.CodeInvalid, "at least one channel is required")
	}

	n := notify.Notification{
		RecipientEmail: req.RecipientEmail,
		RecipientPhone: req.RecipientPhone,
		Subject:        s.subject(ctx, req),
		Message:        req.Message,
	}
	return s.engine.Send(ctx, n, req.Channels), nil
}

func (s *Service) subject(ctx context.Context, req Request) string {
	if req.DocumentID == "" || s.docs == nil || s.cfg.DocumentsDestination == "" {
		return req.Subject
	}
	raw, err := s.docs.Call(ctx, s.cfg.DocumentsDestination, map[string]string{"id": req.DocumentID}, s.cfg.LookupTimeout)
	if err != nil {
		s.log.Warn("document lookup failed; sending without title", logx.String("document_id", req.DocumentID), logx.Err(err))
		return req.Subject
	}
	var doc struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Title == "" {
		s.log.Warn("document lookup returned no title", logx.String("document_id", req.DocumentID))
		return req.Subject
	}
	if req.Subject == "" {
		return doc.Title
	}
	return doc.Title + ": " + req.Subject
}
