package broker

import (
	"context"
	"strconv"
	"sync"

	logx "switchboard/pkg/logx"
)

// Memory is an in-process transport. Each group on a destination receives
// every message; members of a group are served round robin. Messages
// published to a destination with no subscribers are dropped. A
// subscription drains its queue with as many goroutines as WithWorkers asks.
type Memory struct {
	log logx.Logger

	mu     sync.Mutex
	closed bool
	dests  map[string]map[string]*memGroup // destination -> group -> members
	seq    uint64
}

type memGroup struct {
	members []*memSub
	next    int
}

type memSub struct {
	b     *Memory
	dest  string
	group string
	h     Handler

	queue  chan Message
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewMemory(log logx.Logger) *Memory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Memory{log: log.With(logx.String("comp", "broker.memory")), dests: map[string]map[string]*memGroup{}}
}

func (b *Memory) Publish(ctx context.Context, destination, key string, payload []byte) error {
	m := Message{Destination: destination, Key: key, Payload: append([]byte(nil), payload...)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	var targets []*memSub
	for _, g := range b.dests[destination] {
		if len(g.members) == 0 {
			continue
		}
		g.next %= len(g.members)
		targets = append(targets, g.members[g.next])
		g.next++
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		b.log.Debug("no subscribers; message dropped", logx.String("destination", destination), logx.String("key", key))
		return nil
	}
	for _, s := range targets {
		select {
		case s.queue <- m:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, destination string, h Handler, opts ...SubscribeOption) (Subscription, error) {
	o := applyOptions(opts)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	group := o.group
	if o.ephemeral || group == "" {
		// private group: sees every message on its own
		b.seq++
		group = "_private." + strconv.FormatUint(b.seq, 10)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &memSub{
		b: b, dest: destination, group: group, h: h,
		queue: make(chan Message, 256), ctx: sctx, cancel: cancel, done: make(chan struct{}),
	}
	groups := b.dests[destination]
	if groups == nil {
		groups = map[string]*memGroup{}
		b.dests[destination] = groups
	}
	g := groups[group]
	if g == nil {
		g = &memGroup{}
		groups[group] = g
	}
	g.members = append(g.members, s)

	for i := 0; i < o.workers; i++ {
		go s.run()
	}
	go func() {
		<-sctx.Done()
		_ = s.Close()
	}()
	return s, nil
}

func (s *memSub) run() {
	for {
		select {
		case <-s.done:
			return
		case m := <-s.queue:
			deliver(s.ctx, s.b.log, s.h, m)
		}
	}
}

func (s *memSub) Destination() string { return s.dest }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		if g := s.b.dests[s.dest][s.group]; g != nil {
			for i, m := range g.members {
				if m == s {
					g.members = append(g.members[:i], g.members[i+1:]...)
					break
				}
			}
			if len(g.members) == 0 {
				delete(s.b.dests[s.dest], s.group)
			}
		}
		s.b.mu.Unlock()
		close(s.done)
		s.cancel()
	})
	return nil
}

func (b *Memory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memSub
	for _, groups := range b.dests {
		for _, g := range groups {
			subs = append(subs, g.members...)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}
