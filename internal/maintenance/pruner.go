// Package maintenance keeps the delivery log: it records dispatch outcomes
// published on the event bus and prunes old records on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "switchboard/pkg/logx"
)

const (
	DefaultRetention = 7 * 24 * time.Hour
	DefaultSchedule  = "@hourly"
)

type Config struct {
	// Retention is how long delivery records are kept. Zero keeps them
	// forever and disables pruning.
	Retention time.Duration
	Schedule  string
	Timezone  string
}

type DeliveryPruner interface {
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)
}

// ParseSchedule validates a cron spec. Both 5 and 6 field specs and
// descriptors such as @hourly or @every 30m are accepted.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return parser.Parse(strings.TrimSpace(spec))
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Pruner struct {
	store DeliveryPruner
	log   logx.Logger
	now   func() time.Time

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context
}

func NewPruner(cfg Config, store DeliveryPruner, log logx.Logger) *Pruner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pruner{store: store, cfg: normalize(cfg), log: log.With(logx.String("comp", "maintenance")), now: time.Now}
}

func normalize(cfg Config) Config {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	return cfg
}

// Start schedules pruning. Jobs run with ctx until Stop.
func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return nil
	}
	p.ctx = ctx
	return p.startLocked()
}

func (p *Pruner) startLocked() error {
	if p.cfg.Retention <= 0 {
		p.log.Info("delivery pruning disabled")
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(p.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			p.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(p.cfg.Schedule, func() { _, _ = p.RunOnce(p.jobContext()) }); err != nil {
		return fmt.Errorf("prune schedule %q: %w", p.cfg.Schedule, err)
	}
	c.Start()
	p.c = c
	p.log.Info("delivery pruning scheduled", logx.String("schedule", p.cfg.Schedule), logx.Duration("retention", p.cfg.Retention), logx.String("tz", loc.String()))
	return nil
}

func (p *Pruner) jobContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return context.Background()
	}
	return p.ctx
}

// Apply swaps the config, rescheduling when the schedule, timezone or
// enablement changed.
func (p *Pruner) Apply(cfg Config) error {
	cfg = normalize(cfg)
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.cfg
	p.cfg = cfg
	if p.ctx == nil {
		return nil
	}
	enabledChanged := (old.Retention > 0) != (cfg.Retention > 0)
	if old.Schedule == cfg.Schedule && old.Timezone == cfg.Timezone && !enabledChanged {
		return nil
	}
	if p.c != nil {
		<-p.c.Stop().Done()
		p.c = nil
	}
	return p.startLocked()
}

func (p *Pruner) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce removes records older than the retention window.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	p.mu.Lock()
	retention := p.cfg.Retention
	p.mu.Unlock()
	if retention <= 0 {
		return 0, nil
	}
	start := time.Now()
	n, err := p.store.PruneDeliveries(ctx, p.now().Add(-retention))
	if err != nil {
		p.log.Warn("delivery prune failed", logx.Err(err))
		return 0, err
	}
	p.log.Info("delivery records pruned", logx.Int64("removed", n), logx.Duration("took", time.Since(start)))
	return n, nil
}
