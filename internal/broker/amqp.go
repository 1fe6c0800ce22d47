package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	logx "switchboard/pkg/logx"
)

// AMQP publishes to a topic exchange with the destination as routing key.
// Durable subscriptions share a queue per destination and group; ephemeral
// ones get an exclusive auto-delete queue.
type AMQP struct {
	cfg      Config
	log      logx.Logger
	exchange string

	conn *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu     sync.Mutex
	closed bool
	subs   map[*amqpSub]struct{}
}

type amqpSub struct {
	b      *AMQP
	dest   string
	ch     *amqp.Channel
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewAMQP(cfg Config, log logx.Logger) (*AMQP, error) {
	if cfg.AMQPURL == "" {
		return nil, errors.New("amqp: url is required")
	}
	exchange := firstNonEmpty(cfg.AMQPExchange, "switchboard")

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &AMQP{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "broker.amqp")),
		exchange: exchange,
		conn:     conn,
		pubCh:    ch,
		subs:     map[*amqpSub]struct{}{},
	}, nil
}

func (b *AMQP) Publish(ctx context.Context, destination, key string, payload []byte) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh == nil {
		return ErrClosed
	}
	return b.pubCh.PublishWithContext(ctx, b.exchange, destination, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: key,
		Timestamp:     time.Now().UTC(),
		Body:          payload,
	})
}

func (b *AMQP) Subscribe(ctx context.Context, destination string, h Handler, opts ...SubscribeOption) (Subscription, error) {
	o := applyOptions(opts)
	group := firstNonEmpty(o.group, b.cfg.Group)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}
	prefetch := b.cfg.AMQPPrefetch
	if prefetch <= 0 {
		prefetch = 10
	}
	// every worker needs an unacked delivery in hand to make progress
	prefetch = max(prefetch, o.workers)
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, err
	}

	var q amqp.Queue
	if o.ephemeral || group == "" {
		q, err = ch.QueueDeclare("", false, true, true, false, nil)
	} else {
		q, err = ch.QueueDeclare(destination+"."+group, true, false, false, false, nil)
	}
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, destination, b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	msgs, err := ch.Consume(q.Name, "", false, o.ephemeral, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &amqpSub{b: b, dest: destination, ch: ch, cancel: cancel, done: make(chan struct{})}
	b.subs[s] = struct{}{}
	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.run(sctx, msgs, h)
		}()
	}
	go func() {
		wg.Wait()
		close(s.done)
	}()
	b.log.Info("subscribed", logx.String("destination", destination), logx.String("queue", q.Name), logx.Int("workers", o.workers))
	return s, nil
}

// run is one worker. Deliveries are acked individually, so workers finish
// in any order.
func (s *amqpSub) run(ctx context.Context, msgs <-chan amqp.Delivery, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				s.b.log.Warn("delivery channel closed", logx.String("destination", s.dest))
				return
			}
			m := Message{Destination: d.RoutingKey, Key: d.CorrelationId, Payload: d.Body}
			err := safeHandle(ctx, h, m)
			switch {
			case err == nil:
				_ = d.Ack(false)
			case errors.Is(err, ErrPoison):
				s.b.log.Warn("poison message dropped", logx.String("destination", s.dest), logx.Err(err))
				_ = d.Ack(false)
			case d.Redelivered:
				// second failure: stop the requeue loop
				s.b.log.Error("handler failed on redelivery; message dropped", logx.String("destination", s.dest), logx.Err(err))
				_ = d.Nack(false, false)
			default:
				s.b.log.Warn("handler failed; requeued", logx.String("destination", s.dest), logx.Err(err))
				_ = d.Nack(false, true)
			}
		}
	}
}

func (s *amqpSub) Destination() string { return s.dest }

func (s *amqpSub) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.ch.Close()
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
	})
	return err
}

func (b *AMQP) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*amqpSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Close())
	}
	b.pubMu.Lock()
	if b.pubCh != nil {
		errs = append(errs, b.pubCh.Close())
		b.pubCh = nil
	}
	b.pubMu.Unlock()
	errs = append(errs, b.conn.Close())
	return errors.Join(errs...)
}
