package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/broker"
	logx "switchboard/pkg/logx"
)

// Operation is a domain capability bound to a destination. Return a
// *DomainError to send a structured failure to the caller.
type Operation interface {
	Handle(ctx context.Context, payload json.RawMessage) (any, error)
}

type OperationFunc func(ctx context.Context, payload json.RawMessage) (any, error)

func (f OperationFunc) Handle(ctx context.Context, payload json.RawMessage) (any, error) {
	return f(ctx, payload)
}

type ResponderConfig struct {
	// Group makes instances of one service compete for requests.
	Group          string
	Producer       string
	HandlerTimeout time.Duration
	// ReplayWindow keeps answered requests so redeliveries are answered
	// from cache. Zero disables it.
	ReplayWindow     time.Duration
	ReplayMaxEntries int
	// Workers is how many requests one bound destination handles at once.
	Workers int
}

const defaultResponderWorkers = 16

type Responder struct {
	tr     broker.Transport
	cfg    ResponderConfig
	log    logx.Logger
	replay *replayCache

	mu   sync.Mutex
	subs []broker.Subscription
}

func NewResponder(tr broker.Transport, cfg ResponderConfig, log logx.Logger) *Responder {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultResponderWorkers
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Responder{
		tr:     tr,
		cfg:    cfg,
		log:    log.With(logx.String("comp", "rpc.responder")),
		replay: newReplayCache(cfg.ReplayWindow, cfg.ReplayMaxEntries),
	}
}

// Bind subscribes op to destination.
func (r *Responder) Bind(ctx context.Context, destination string, op Operation) error {
	if op == nil {
		return errors.New("rpc: nil operation")
	}
	h := func(ctx context.Context, m broker.Message) error { return r.handle(ctx, destination, op, m) }
	sub, err := r.tr.Subscribe(ctx, destination, h, broker.WithGroup(r.cfg.Group), broker.WithWorkers(r.cfg.Workers))
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %w", ErrTransport, destination, err)
	}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	r.log.Info("operation bound", logx.String("destination", destination), logx.Int("workers", r.cfg.Workers))
	return nil
}

func (r *Responder) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

func (r *Responder) handle(ctx context.Context, destination string, op Operation, m broker.Message) error {
	env, err := DecodeEnvelope(m.Payload)
	if err != nil {
		r.log.Warn("undecodable request dropped", logx.String("destination", destination), logx.Err(err))
		return errors.Join(broker.ErrPoison, err)
	}
	if env.Kind != KindRequest {
		r.log.Warn("non-request on request destination dropped", logx.String("destination", destination), logx.String("kind", string(env.Kind)))
		return broker.ErrPoison
	}

	key := env.CorrelationID
	if key == "" {
		key = env.ID
	}
	state, cached := r.replay.begin(key)
	switch state {
	case replayInFlight:
		r.log.Debug("duplicate request while in flight dropped", logx.String("destination", destination), logx.String("key", key))
		return nil
	case replayDone:
		r.log.Debug("duplicate request answered from cache", logx.String("destination", destination), logx.String("key", key))
		if env.ReplyTo == "" || cached == nil {
			return nil
		}
		return r.tr.Publish(ctx, env.ReplyTo, env.CorrelationID, cached)
	}

	start := time.Now()
	out, opErr := r.invoke(ctx, op, env.Payload)

	reply := Envelope{
		ID:            uuid.NewString(),
		Kind:          KindReply,
		Destination:   env.ReplyTo,
		CorrelationID: env.CorrelationID,
		Producer:      r.cfg.Producer,
		Time:          time.Now().UTC(),
	}
	if opErr == nil {
		body, err := encodePayload(out)
		if err != nil {
			opErr = fmt.Errorf("encode result: %w", err)
		} else {
			reply.Payload = body
		}
	}
	if opErr != nil {
		reply.Error = describe(opErr)
		if reply.Error.Code == CodeInternal {
			r.log.Error("operation failed", logx.String("destination", destination), logx.String("key", key), logx.Err(opErr))
		} else {
			r.log.Debug("operation returned domain error", logx.String("destination", destination), logx.String("code", reply.Error.Code))
		}
	}

	if env.ReplyTo == "" {
		r.replay.complete(key, nil)
		return nil
	}
	raw, err := json.Marshal(reply)
	if err != nil {
		r.replay.complete(key, nil)
		return errors.Join(broker.ErrPoison, err)
	}
	r.replay.complete(key, raw)
	if err := r.tr.Publish(ctx, env.ReplyTo, env.CorrelationID, raw); err != nil {
		// The broker redelivers; the cached reply is republished then.
		return fmt.Errorf("publish reply: %w", err)
	}
	r.log.Debug("replied", logx.String("destination", destination), logx.Duration("took", time.Since(start)), logx.Bool("error", reply.Error != nil))
	return nil
}

func (r *Responder) invoke(ctx context.Context, op Operation, payload json.RawMessage) (out any, err error) {
	hctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("operation panicked", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			out, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	out, err = op.Handle(hctx, payload)
	if err == nil && hctx.Err() != nil {
		err = hctx.Err()
	}
	return out, err
}

// describe turns an operation error into the descriptor sent to callers.
// Only domain errors expose their message.
func describe(err error) *ErrorDescriptor {
	var de *DomainError
	switch {
	case errors.As(err, &de):
		code := de.Code
		if code == "" {
			code = CodeInternal
		}
		return &ErrorDescriptor{Code: code, Message: de.Message}
	case errors.Is(err, context.DeadlineExceeded):
		return &ErrorDescriptor{Code: CodeTimeout, Message: "operation timed out"}
	default:
		return &ErrorDescriptor{Code: CodeInternal, Message: "internal error"}
	}
}
