package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"switchboard/internal/chatid"
	"switchboard/internal/notify"
	logx "switchboard/pkg/logx"
)

const defaultWhatsAppURL = "https://api.green-api.com"

// statusQuotaExceeded is returned by the provider when the instance's
// message quota is spent; it resets, so it is retried.
const statusQuotaExceeded = 466

type WhatsAppConfig struct {
	APIURL     string
	InstanceID string
	Token      string
	RatePerSec int
	Timeout    time.Duration
}

// WhatsApp sends through a Green-API style instance endpoint:
// POST {api}/waInstance{id}/sendMessage/{token}.
type WhatsApp struct {
	cfg    WhatsAppConfig
	client *providerClient
	log    logx.Logger
}

func NewWhatsApp(cfg WhatsAppConfig, log logx.Logger) *WhatsApp {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultWhatsAppURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if log.IsZero() {
		log = logx.Nop()
	}
	return &WhatsApp{
		cfg:    cfg,
		client: newProviderClient("whatsapp provider", cfg.Timeout, cfg.RatePerSec, whatsAppRetryable),
		log:    log.With(logx.String("comp", "notify.whatsapp")),
	}
}

func whatsAppRetryable(status int) bool {
	return status == statusQuotaExceeded || defaultRetryable(status)
}

type whatsAppRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

type whatsAppResponse struct {
	IDMessage string `json:"idMessage"`
}

func (w *WhatsApp) Attempt(ctx context.Context, n notify.Notification) error {
	phone := strings.TrimPrefix(chatid.NormalizePhone(n.RecipientPhone), "+")
	if phone == "" {
		return notify.NoRetry(errors.New("missing recipient phone"))
	}
	url := fmt.Sprintf("%s/waInstance%s/sendMessage/%s", w.cfg.APIURL, w.cfg.InstanceID, w.cfg.Token)

	var out whatsAppResponse
	if err := w.client.postJSON(ctx, url, http.Header{}, whatsAppRequest{ChatID: phone + "@c.us", Message: smsText(n)}, &out); err != nil {
		return err
	}
	w.log.Debug("whatsapp accepted", logx.String("chat", phone), logx.String("provider_id", out.IDMessage))
	return nil
}
