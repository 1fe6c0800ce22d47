package channels

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"switchboard/internal/notify"
	logx "switchboard/pkg/logx"
)

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// sendFunc delivers a prepared RFC 5322 message to one recipient.
type sendFunc func(ctx context.Context, to string, msg []byte) error

// Email delivers over SMTP with STARTTLS when the server offers it.
type Email struct {
	cfg  EmailConfig
	log  logx.Logger
	send sendFunc
	now  func() time.Time
}

func NewEmail(cfg EmailConfig, log logx.Logger) *Email {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Email{cfg: cfg, log: log.With(logx.String("comp", "notify.email")), now: time.Now}
	e.send = e.smtpSend
	return e
}

func (e *Email) Attempt(ctx context.Context, n notify.Notification) error {
	addr, err := mail.ParseAddress(strings.TrimSpace(n.RecipientEmail))
	if err != nil {
		return notify.NoRetry(fmt.Errorf("invalid recipient email %q", n.RecipientEmail))
	}
	msg := buildMessage(e.cfg.From, addr.Address, n.Subject, n.Message, e.now())
	if err := e.send(ctx, addr.Address, msg); err != nil {
		return classifySMTPError(err)
	}
	e.log.Debug("email sent", logx.String("to", addr.Address))
	return nil
}

func buildMessage(from, to, subject, body string, at time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", sanitizeHeader(subject)) + "\r\n")
	b.WriteString("Date: " + at.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// classifySMTPError treats 5xx replies as permanent. Connection failures
// and 4xx replies are retried.
func classifySMTPError(err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code >= 500 {
		return notify.NoRetry(err)
	}
	return err
}

func (e *Email) smtpSend(ctx context.Context, to string, msg []byte) error {
	host := e.cfg.Host
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(e.cfg.Port)))
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp hello: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if e.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	sender := e.cfg.From
	if a, err := mail.ParseAddress(sender); err == nil {
		sender = a.Address
	}
	if err := c.Mail(sender); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return c.Quit()
}
