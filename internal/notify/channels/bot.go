package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"switchboard/internal/notify"
	"switchboard/internal/storage"
	"switchboard/internal/transport"
	logx "switchboard/pkg/logx"
)

// ErrNotEnrolled is returned when the recipient phone has no chat binding.
var ErrNotEnrolled = errors.New("recipient must enroll first")

// ChatLookup resolves a phone number to the enrolled chat.
type ChatLookup interface {
	Lookup(ctx context.Context, phone string) (storage.ChatBinding, bool, error)
}

type TextSender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// Bot delivers to the chat bound to the recipient's phone.
type Bot struct {
	lookup  ChatLookup
	sender  TextSender
	limiter *rate.Limiter
	log     logx.Logger
}

func NewBot(lookup ChatLookup, sender TextSender, ratePerSec int, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{lookup: lookup, sender: sender, limiter: newLimiter(ratePerSec), log: log.With(logx.String("comp", "notify.bot"))}
}

func (b *Bot) Attempt(ctx context.Context, n notify.Notification) error {
	if strings.TrimSpace(n.RecipientPhone) == "" {
		return notify.NoRetry(errors.New("missing recipient phone"))
	}
	binding, ok, err := b.lookup.Lookup(ctx, n.RecipientPhone)
	if err != nil {
		return fmt.Errorf("lookup chat binding: %w", err)
	}
	if !ok {
		return notify.NoRetry(ErrNotEnrolled)
	}
	if err := wait(ctx, b.limiter); err != nil {
		return err
	}

	_, err = b.sender.SendText(ctx, transport.ChatTarget{ChatID: binding.ChatID}, botText(n), &transport.SendOptions{DisablePreview: true})
	switch {
	case err == nil:
		b.log.Debug("bot message sent", logx.Int64("chat_id", binding.ChatID))
		return nil
	case errors.Is(err, transport.ErrUnreachable):
		return notify.NoRetry(err)
	default:
		return err
	}
}

func botText(n notify.Notification) string {
	if n.Subject == "" {
		return n.Message
	}
	return n.Subject + "\n\n" + n.Message
}
