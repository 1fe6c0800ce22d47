package maintenance

import (
	"context"
	"time"
	"unicode/utf8"

	"switchboard/internal/eventbus"
	"switchboard/internal/notify"
	"switchboard/internal/storage"
	logx "switchboard/pkg/logx"
)

type DeliveryAppender interface {
	AppendDelivery(ctx context.Context, r storage.DeliveryRecord) error
}

// Recorder persists every dispatch outcome published on the bus.
type Recorder struct {
	store  DeliveryAppender
	log    logx.Logger
	events <-chan eventbus.Event
	unsub  func()
}

// NewRecorder subscribes immediately so outcomes published before Run
// starts are buffered.
func NewRecorder(store DeliveryAppender, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	events, unsub := bus.Subscribe(1024)
	return &Recorder{store: store, log: log.With(logx.String("comp", "delivery.recorder")), events: events, unsub: unsub}
}

// Close unsubscribes; a running Run returns.
func (r *Recorder) Close() { r.unsub() }

// Run consumes outcome events until ctx ends. Events are dropped when the
// buffer is full; the dispatch itself is never slowed by persistence.
func (r *Recorder) Run(ctx context.Context) error {
	events := r.events
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.DispatchOutcome {
				continue
			}
			oe, ok := ev.Data.(notify.OutcomeEvent)
			if !ok {
				continue
			}
			r.record(ctx, oe)
		}
	}
}

func (r *Recorder) record(ctx context.Context, oe notify.OutcomeEvent) {
	at := oe.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rec := storage.DeliveryRecord{
		At:         at,
		DispatchID: oe.DispatchID,
		Channel:    oe.Outcome.Channel,
		Status:     string(oe.Outcome.Status),
		Kind:       string(oe.Outcome.Kind),
		Attempts:   oe.Outcome.Attempts,
		Detail:     truncateDetail(oe.Outcome.Detail),
	}
	if err := r.store.AppendDelivery(ctx, rec); err != nil {
		r.log.Warn("delivery record not stored", logx.String("dispatch_id", oe.DispatchID), logx.String("channel", rec.Channel), logx.Err(err))
	}
}

const maxDetail = 1024

func truncateDetail(s string) string {
	if len(s) <= maxDetail {
		return s
	}
	// cut on a rune boundary
	cut := maxDetail
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
