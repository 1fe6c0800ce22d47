package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/broker"
	"switchboard/internal/eventbus"
	logx "switchboard/pkg/logx"
)

type CorrelatorConfig struct {
	// ReplyTo is the destination this process consumes replies from. It
	// must be unique per process.
	ReplyTo        string
	Producer       string
	DefaultTimeout time.Duration
}

// TimeoutEvent is published on the event bus when a call times out.
type TimeoutEvent struct {
	Destination   string
	CorrelationID string
	Waited        time.Duration
}

type result struct {
	payload json.RawMessage
	err     error
}

type pending struct {
	destination string
	createdAt   time.Time
	deadline    time.Time
	ch          chan result // buffered(1); written at most once
}

// Correlator owns the pending-request table for one reply destination.
// An entry is resolved by whoever deletes it from the table first, so a
// reply and a timeout can never both win.
type Correlator struct {
	tr  broker.Transport
	cfg CorrelatorConfig
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	pending map[string]*pending
	sub     broker.Subscription

	newKey func() string
}

func NewCorrelator(tr broker.Transport, cfg CorrelatorConfig, log logx.Logger, bus eventbus.Bus) *Correlator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Correlator{
		tr:      tr,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "rpc.correlator")),
		bus:     bus,
		pending: map[string]*pending{},
		newKey:  uuid.NewString,
	}
}

func (c *Correlator) ReplyTo() string { return c.cfg.ReplyTo }

// Start subscribes to the reply destination. It must be called before Call.
func (c *Correlator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return nil
	}
	if c.cfg.ReplyTo == "" {
		return errors.New("rpc: correlator reply destination is empty")
	}
	sub, err := c.tr.Subscribe(ctx, c.cfg.ReplyTo, c.onReply, broker.Ephemeral())
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %w", ErrTransport, c.cfg.ReplyTo, err)
	}
	c.sub = sub
	c.log.Info("listening for replies", logx.String("reply_to", c.cfg.ReplyTo))
	return nil
}

// Stop unsubscribes. Calls still pending resolve through their own
// timeouts.
func (c *Correlator) Stop() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Close()
}

// Pending reports the number of in-flight calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call publishes payload to destination and waits for the reply.
//
// Errors: ErrTimeout (wrapped) when the deadline passes, *RemoteError when
// the responder reported a failure, ErrTransport (wrapped) when publishing
// fails, or the context's error when ctx ends first. timeout <= 0 uses the
// configured default.
func (c *Correlator) Call(ctx context.Context, destination string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	body, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode payload for %s: %w", destination, err)
	}

	now := time.Now()
	p := &pending{destination: destination, createdAt: now, deadline: now.Add(timeout), ch: make(chan result, 1)}

	// Register before publishing so a fast reply always finds its entry.
	c.mu.Lock()
	if c.sub == nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	key := c.newKey()
	for _, taken := c.pending[key]; taken; _, taken = c.pending[key] {
		key = c.newKey()
	}
	c.pending[key] = p
	c.mu.Unlock()

	env := Envelope{
		ID:            uuid.NewString(),
		Kind:          KindRequest,
		Destination:   destination,
		CorrelationID: key,
		ReplyTo:       c.cfg.ReplyTo,
		Producer:      c.cfg.Producer,
		Time:          now.UTC(),
		Payload:       body,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		c.take(key)
		return nil, fmt.Errorf("rpc: encode envelope: %w", err)
	}
	if err := c.tr.Publish(ctx, destination, key, raw); err != nil {
		c.take(key)
		return nil, fmt.Errorf("%w: publish %s: %w", ErrTransport, destination, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.ch:
		return r.payload, r.err
	case <-timer.C:
		if !c.take(key) {
			// A reply won the race.
			r := <-p.ch
			return r.payload, r.err
		}
		c.log.Debug("call timed out", logx.String("destination", destination), logx.String("key", key), logx.Duration("timeout", timeout))
		c.bus.Publish(eventbus.Event{Type: eventbus.RPCTimeout, Data: TimeoutEvent{Destination: destination, CorrelationID: key, Waited: timeout}})
		return nil, fmt.Errorf("%w: no reply from %s within %s", ErrTimeout, destination, timeout)
	case <-ctx.Done():
		if !c.take(key) {
			r := <-p.ch
			return r.payload, r.err
		}
		return nil, ctx.Err()
	}
}

// take removes key and reports whether this caller removed it.
func (c *Correlator) take(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; !ok {
		return false
	}
	delete(c.pending, key)
	return true
}

func (c *Correlator) onReply(ctx context.Context, m broker.Message) error {
	env, err := DecodeEnvelope(m.Payload)
	if err != nil {
		return errors.Join(broker.ErrPoison, err)
	}
	if env.Kind != KindReply {
		c.log.Warn("non-reply on reply destination", logx.String("kind", string(env.Kind)))
		return nil
	}

	c.mu.Lock()
	p, ok := c.pending[env.CorrelationID]
	if ok {
		delete(c.pending, env.CorrelationID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug("reply for unknown or resolved call dropped", logx.String("key", env.CorrelationID))
		return nil
	}

	r := result{payload: env.Payload}
	if env.Error != nil {
		r = result{err: &RemoteError{Destination: p.destination, Code: env.Error.Code, Message: env.Error.Message}}
	}
	p.ch <- r
	return nil
}
