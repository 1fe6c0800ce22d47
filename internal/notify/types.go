// Package notify fans one notification out to independent delivery
// channels, each with its own bounded retry, and reports a per-channel
// outcome.
package notify

import (
	"context"
	"time"
)

// Notification is the immutable input of a dispatch.
type Notification struct {
	RecipientEmail string `json:"recipient_email,omitempty"`
	RecipientPhone string `json:"recipient_phone,omitempty"`
	Subject        string `json:"subject,omitempty"`
	Message        string `json:"message"`
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Kind refines Status.
type Kind string

const (
	KindDelivered   Kind = "delivered"
	KindTerminal    Kind = "terminal"    // permanent failure, not retried
	KindExhausted   Kind = "exhausted"   // transient failures used every attempt
	KindUnsupported Kind = "unsupported" // no adapter registered
	KindCanceled    Kind = "canceled"    // dispatch deadline or caller gave up
)

type ChannelOutcome struct {
	Channel  string `json:"channel"`
	Status   Status `json:"status"`
	Kind     Kind   `json:"kind"`
	Attempts int    `json:"attempts"`
	Detail   string `json:"detail,omitempty"`
}

func (o ChannelOutcome) OK() bool { return o.Status == StatusSuccess }

// Report is the result of one dispatch. Delivered is true when at least
// one channel succeeded; a partial failure is still a delivery.
type Report struct {
	DispatchID string           `json:"dispatch_id"`
	Outcomes   []ChannelOutcome `json:"outcomes"`
	Delivered  bool             `json:"delivered"`
	Took       time.Duration    `json:"took"`
}

// Outcome returns the outcome for channel.
func (r Report) Outcome(channel string) (ChannelOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Channel == channel {
			return o, true
		}
	}
	return ChannelOutcome{}, false
}

// Adapter delivers a notification over one medium. It decides whether a
// failure is permanent by wrapping it with NoRetry.
type Adapter interface {
	Attempt(ctx context.Context, n Notification) error
}

type AdapterFunc func(ctx context.Context, n Notification) error

func (f AdapterFunc) Attempt(ctx context.Context, n Notification) error { return f(ctx, n) }
