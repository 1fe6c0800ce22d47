// Package broker is the pub/sub transport underneath request/reply and
// event delivery. Destinations are logical topic names. Delivery is
// at-least-once; handlers must tolerate duplicates.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "switchboard/pkg/logx"
)

var (
	ErrClosed = errors.New("broker: closed")
	// ErrPoison marks a message that can never be processed (bad encoding).
	// Drivers drop it instead of redelivering.
	ErrPoison = errors.New("broker: poison message")
)

// Message is one delivery. Key is the partitioning/correlation key.
type Message struct {
	Destination string
	Key         string
	Payload     []byte
}

// Handler processes one delivery. A nil return acknowledges it. Errors
// other than ErrPoison cause a bounded redelivery.
type Handler func(ctx context.Context, m Message) error

type Subscription interface {
	Destination() string
	Close() error
}

type Transport interface {
	Publish(ctx context.Context, destination, key string, payload []byte) error
	Subscribe(ctx context.Context, destination string, h Handler, opts ...SubscribeOption) (Subscription, error)
	Close() error
}

// SubscribeOption tunes a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	group     string
	ephemeral bool
	workers   int
}

// WithGroup sets the consumer group. Subscriptions sharing a group compete
// for messages; distinct groups each get every message.
func WithGroup(group string) SubscribeOption {
	return func(o *subscribeOptions) { o.group = strings.TrimSpace(group) }
}

// Ephemeral marks a private, non-durable subscription (reply destinations).
// It only sees messages published after it was created.
func Ephemeral() SubscribeOption {
	return func(o *subscribeOptions) { o.ephemeral = true }
}

// WithWorkers sets how many deliveries a subscription handles at once.
// The default is 1 (strictly sequential).
func WithWorkers(n int) SubscribeOption {
	return func(o *subscribeOptions) { o.workers = n }
}

func applyOptions(opts []SubscribeOption) subscribeOptions {
	var o subscribeOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.workers <= 0 {
		o.workers = 1
	}
	return o
}

// handlerAttempts bounds in-place redelivery for drivers without native
// requeue (memory, kafka).
const handlerAttempts = 3

// deliver runs h with panic recovery and bounded retries. It reports
// whether the message was handled.
func deliver(ctx context.Context, log logx.Logger, h Handler, m Message) bool {
	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := safeHandle(ctx, h, m)
		if err == nil {
			return true
		}
		if errors.Is(err, ErrPoison) {
			log.Warn("poison message dropped", logx.String("destination", m.Destination), logx.String("key", m.Key), logx.Err(err))
			return false
		}
		if attempt >= handlerAttempts || ctx.Err() != nil {
			log.Error("handler failed; message dropped", logx.String("destination", m.Destination), logx.String("key", m.Key), logx.Int("attempts", attempt), logx.Err(err))
			return false
		}
		log.Warn("handler failed; redelivering", logx.String("destination", m.Destination), logx.Int("attempt", attempt), logx.Err(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func safeHandle(ctx context.Context, h Handler, m Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(ErrPoison, panicError{r})
		}
	}()
	return h(ctx, m)
}

type panicError struct{ v any }

func (p panicError) Error() string { return "handler panic: " + fmt.Sprint(p.v) }
