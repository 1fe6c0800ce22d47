package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	logx "switchboard/pkg/logx"
)

// Kafka maps destinations to topics and keys to message keys. Offsets are
// committed only after the handler settles (at-least-once).
type Kafka struct {
	cfg    Config
	log    logx.Logger
	writer *kafka.Writer

	mu     sync.Mutex
	closed bool
	subs   map[*kafkaSub]struct{}
}

type kafkaSub struct {
	k       *Kafka
	dest    string
	reader  *kafka.Reader
	grouped bool
	cancel  context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewKafka(cfg Config, log logx.Logger) (*Kafka, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		// request/reply is latency bound; don't wait to fill batches
		BatchTimeout: 5 * time.Millisecond,
	}
	return &Kafka{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "broker.kafka")),
		writer: w,
		subs:   map[*kafkaSub]struct{}{},
	}, nil
}

func (k *Kafka) Publish(ctx context.Context, destination, key string, payload []byte) error {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: destination,
		Key:   []byte(key),
		Value: payload,
	})
}

func (k *Kafka) Subscribe(ctx context.Context, destination string, h Handler, opts ...SubscribeOption) (Subscription, error) {
	o := applyOptions(opts)
	maxWait := k.cfg.KafkaMaxWait
	if maxWait <= 0 {
		maxWait = 250 * time.Millisecond
	}
	rc := kafka.ReaderConfig{
		Brokers:        k.cfg.KafkaBrokers,
		Topic:          destination,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        maxWait,
		CommitInterval: 0, // explicit commits only
	}

	group := firstNonEmpty(o.group, k.cfg.Group)
	var offset int64
	if o.ephemeral || group == "" {
		// Private subscriptions read partition 0 of their own topic with no
		// group. The offset is fixed here, before Subscribe returns, so a
		// reply published right after cannot be skipped.
		var err error
		if offset, err = k.prepareTopic(ctx, destination); err != nil {
			return nil, err
		}
		rc.Partition = 0
		group = ""
	} else {
		rc.GroupID = group
		rc.StartOffset = kafka.FirstOffset
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}

	r := kafka.NewReader(rc)
	if group == "" {
		if err := r.SetOffset(offset); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("kafka: set offset on %s: %w", destination, err)
		}
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &kafkaSub{k: k, dest: destination, reader: r, grouped: group != "", cancel: cancel, done: make(chan struct{})}
	k.subs[s] = struct{}{}

	go s.run(sctx, h, o.workers)
	k.log.Info("subscribed", logx.String("topic", destination), logx.String("group", group), logx.Int("workers", o.workers))
	return s, nil
}

// prepareTopic creates a single-partition topic if it is missing and
// returns its current end offset.
func (k *Kafka) prepareTopic(ctx context.Context, topic string) (int64, error) {
	d := &kafka.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", k.cfg.KafkaBrokers[0])
	if err != nil {
		return 0, fmt.Errorf("kafka: dial: %w", err)
	}
	defer conn.Close()

	ctrl, err := conn.Controller()
	if err != nil {
		return 0, fmt.Errorf("kafka: controller: %w", err)
	}
	cc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ctrl.Host, strconv.Itoa(ctrl.Port)))
	if err != nil {
		return 0, fmt.Errorf("kafka: dial controller: %w", err)
	}
	defer cc.Close()
	err = cc.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return 0, fmt.Errorf("kafka: create topic %s: %w", topic, err)
	}

	lc, err := d.DialLeader(ctx, "tcp", k.cfg.KafkaBrokers[0], topic, 0)
	if err != nil {
		return 0, fmt.Errorf("kafka: dial leader for %s: %w", topic, err)
	}
	defer lc.Close()
	return lc.ReadLastOffset()
}

// run fetches in order and hands messages to up to workers handlers at
// once. Offsets are committed per partition only up to the last message
// whose predecessors have all settled.
func (s *kafkaSub) run(ctx context.Context, h Handler, workers int) {
	defer close(s.done)
	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, workers)
		tracker  = newCommitTracker()
		commitMu sync.Mutex
	)
	defer wg.Wait()

	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			s.k.log.Warn("fetch failed", logx.String("topic", s.dest), logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		if s.grouped {
			tracker.add(m.Partition, m.Offset)
		}
		wg.Add(1)
		go func(m kafka.Message) {
			defer wg.Done()
			defer func() { <-sem }()

			deliver(ctx, s.k.log, h, Message{Destination: m.Topic, Key: string(m.Key), Payload: m.Value})
			if !s.grouped {
				return
			}
			// Commit even after a dropped message so the partition keeps moving.
			commitMu.Lock()
			defer commitMu.Unlock()
			upTo, ok := tracker.settle(m.Partition, m.Offset)
			if !ok {
				return
			}
			cm := kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: upTo}
			if err := s.reader.CommitMessages(ctx, cm); err != nil && ctx.Err() == nil {
				s.k.log.Warn("commit failed (message may be redelivered)", logx.String("topic", s.dest), logx.Err(err))
			}
		}(m)
	}
}

// commitTracker orders out-of-order completions back into per-partition
// offset order.
type commitTracker struct {
	mu    sync.Mutex
	parts map[int]*partitionOffsets
}

type partitionOffsets struct {
	inflight []int64 // fetch order, ascending
	settled  map[int64]bool
}

func newCommitTracker() *commitTracker {
	return &commitTracker{parts: map[int]*partitionOffsets{}}
}

func (t *commitTracker) add(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.parts[partition]
	if p == nil {
		p = &partitionOffsets{settled: map[int64]bool{}}
		t.parts[partition] = p
	}
	p.inflight = append(p.inflight, offset)
}

// settle marks offset done and reports the highest offset that can now be
// committed, if the head of the partition moved.
func (t *commitTracker) settle(partition int, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.parts[partition]
	if p == nil {
		return 0, false
	}
	p.settled[offset] = true
	var (
		upTo  int64
		moved bool
	)
	for len(p.inflight) > 0 && p.settled[p.inflight[0]] {
		upTo, moved = p.inflight[0], true
		delete(p.settled, p.inflight[0])
		p.inflight = p.inflight[1:]
	}
	return upTo, moved
}

func (s *kafkaSub) Destination() string { return s.dest }

func (s *kafkaSub) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.reader.Close()
		s.k.mu.Lock()
		delete(s.k.subs, s)
		s.k.mu.Unlock()
	})
	return err
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	subs := make([]*kafkaSub, 0, len(k.subs))
	for s := range k.subs {
		subs = append(subs, s)
	}
	k.mu.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Close())
	}
	errs = append(errs, k.writer.Close())
	return errors.Join(errs...)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
