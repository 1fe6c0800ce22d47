package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/eventbus"
	logx "switchboard/pkg/logx"
)

type EngineConfig struct {
	Retry RetryPolicy
	// SendTimeout bounds a whole dispatch. Channels still running at the
	// deadline report KindCanceled. Zero disables the deadline.
	SendTimeout time.Duration
	Sleep       Sleeper
}

// OutcomeEvent is published on the bus once per channel per dispatch.
type OutcomeEvent struct {
	DispatchID string
	Outcome    ChannelOutcome
	At         time.Time
}

// Engine looks channels up by name; adding a channel is a Register call.
type Engine struct {
	log logx.Logger
	bus eventbus.Bus

	mu       sync.RWMutex
	adapters map[string]Adapter
	cfg      EngineConfig

	newID func() string
}

func NewEngine(cfg EngineConfig, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg.Retry = cfg.Retry.normalized()
	return &Engine{
		log:      log.With(logx.String("comp", "notify.engine")),
		bus:      bus,
		adapters: map[string]Adapter{},
		cfg:      cfg,
		newID:    uuid.NewString,
	}
}

func normalizeChannel(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Register installs (or replaces) the adapter for a channel name.
func (e *Engine) Register(name string, a Adapter) {
	name = normalizeChannel(name)
	if name == "" || a == nil {
		return
	}
	e.mu.Lock()
	e.adapters[name] = a
	e.mu.Unlock()
	e.log.Info("channel registered", logx.String("channel", name))
}

// Channels lists registered channel names.
func (e *Engine) Channels() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.adapters))
	for k := range e.adapters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Apply swaps retry policy and send timeout. In-flight dispatches keep the
// settings they started with.
func (e *Engine) Apply(retry RetryPolicy, sendTimeout time.Duration) {
	e.mu.Lock()
	e.cfg.Retry = retry.normalized()
	e.cfg.SendTimeout = sendTimeout
	e.mu.Unlock()
}

// Send delivers n over every requested channel concurrently and waits for
// all of them. The report holds one outcome per distinct channel, in
// request order. Duplicate names collapse to their first occurrence.
func (e *Engine) Send(ctx context.Context, n Notification, channels []string) Report {
	start := time.Now()
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	if cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
	}

	rep := Report{DispatchID: e.newID()}
	seen := make(map[string]bool, len(channels))
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = normalizeChannel(ch)
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		names = append(names, ch)
	}
	rep.Outcomes = make([]ChannelOutcome, len(names))
	log := e.log.With(logx.String("dispatch_id", rep.DispatchID))

	exec := NewExecutor(cfg.Retry, cfg.Sleep)
	var wg sync.WaitGroup
	for i, name := range names {
		e.mu.RLock()
		a, ok := e.adapters[name]
		e.mu.RUnlock()
		if !ok {
			rep.Outcomes[i] = ChannelOutcome{
				Channel: name,
				Status:  StatusError,
				Kind:    KindUnsupported,
				Detail:  fmt.Sprintf("%v: %s", ErrUnsupported, name),
			}
			e.publish(rep.DispatchID, rep.Outcomes[i])
			continue
		}
		wg.Add(1)
		go func(i int, name string, a Adapter) {
			defer wg.Done()
			out := e.attempt(ctx, exec, name, a, n)
			rep.Outcomes[i] = out
			e.publish(rep.DispatchID, out)
		}(i, name, a)
	}
	wg.Wait()

	for _, o := range rep.Outcomes {
		if o.OK() {
			rep.Delivered = true
		}
		if !o.OK() {
			log.Warn("channel failed", logx.String("channel", o.Channel), logx.String("kind", string(o.Kind)), logx.Int("attempts", o.Attempts), logx.String("detail", o.Detail))
		}
	}
	rep.Took = time.Since(start)
	log.Info("dispatch settled", logx.Int("channels", len(rep.Outcomes)), logx.Bool("delivered", rep.Delivered), logx.Duration("took", rep.Took))
	e.bus.Publish(eventbus.Event{Type: eventbus.DispatchDone, Data: rep})
	return rep
}

// attempt runs one channel and turns an adapter panic into a terminal
// outcome so the barrier always completes.
func (e *Engine) attempt(ctx context.Context, exec *Executor, name string, a Adapter, n Notification) (out ChannelOutcome) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("channel adapter panicked", logx.String("channel", name), logx.Any("panic", r))
			out = ChannelOutcome{Channel: name, Status: StatusError, Kind: KindTerminal, Attempts: max(out.Attempts, 1), Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return exec.Execute(ctx, name, func(ctx context.Context) error { return a.Attempt(ctx, n) })
}

func (e *Engine) publish(id string, o ChannelOutcome) {
	e.bus.Publish(eventbus.Event{Type: eventbus.DispatchOutcome, Data: OutcomeEvent{DispatchID: id, Outcome: o, At: time.Now().UTC()}})
}
