package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"switchboard/internal/chatid"
	"switchboard/internal/notify"
	logx "switchboard/pkg/logx"
)

const defaultSMSURL = "https://api.telnyx.com/v2/messages"

type SMSConfig struct {
	APIURL     string
	APIKey     string
	From       string
	RatePerSec int
	Timeout    time.Duration
}

// SMS sends text messages through a Telnyx-style messages endpoint.
type SMS struct {
	cfg    SMSConfig
	client *providerClient
	log    logx.Logger
}

func NewSMS(cfg SMSConfig, log logx.Logger) *SMS {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultSMSURL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SMS{
		cfg:    cfg,
		client: newProviderClient("sms provider", cfg.Timeout, cfg.RatePerSec, nil),
		log:    log.With(logx.String("comp", "notify.sms")),
	}
}

type smsRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
}

type smsResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (s *SMS) Attempt(ctx context.Context, n notify.Notification) error {
	to := chatid.NormalizePhone(n.RecipientPhone)
	if to == "" {
		return notify.NoRetry(errors.New("missing recipient phone"))
	}
	if n.Message == "" {
		return notify.NoRetry(errors.New("empty message"))
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+s.cfg.APIKey)

	var out smsResponse
	if err := s.client.postJSON(ctx, s.cfg.APIURL, h, smsRequest{From: s.cfg.From, To: to, Text: smsText(n)}, &out); err != nil {
		return err
	}
	s.log.Debug("sms accepted", logx.String("to", to), logx.String("provider_id", out.Data.ID))
	return nil
}

func smsText(n notify.Notification) string {
	if n.Subject == "" {
		return n.Message
	}
	return fmt.Sprintf("%s\n%s", n.Subject, n.Message)
}
