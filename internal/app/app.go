// Package app wires configuration, transport, request/reply, the dispatch
// engine and the bot into one process and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"switchboard/internal/broker"
	"switchboard/internal/chatid"
	"switchboard/internal/config"
	"switchboard/internal/eventbus"
	"switchboard/internal/gateway"
	"switchboard/internal/maintenance"
	"switchboard/internal/notify"
	"switchboard/internal/notify/channels"
	"switchboard/internal/notifysvc"
	"switchboard/internal/rpc"
	"switchboard/internal/runtime/supervisor"
	"switchboard/internal/storage"
	"switchboard/internal/transport"
	telegram "switchboard/internal/transport/telegram/adapter"
	logx "switchboard/pkg/logx"
	"switchboard/pkg/systemd"
)

type binding struct {
	destination string
	op          rpc.Operation
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tr   broker.Transport
	corr *rpc.Correlator
	resp *rpc.Responder

	engine   *notify.Engine
	notifSvc *notifysvc.Service
	notifDst string

	tg       *telegram.Adapter
	registry *chatid.Registry
	updates  chan transport.Update

	gw       *gateway.Server
	pruner   *maintenance.Pruner
	recorder *maintenance.Recorder

	bindings []binding
}

// NewApp loads cfgPath and builds every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, nil)
}

// build constructs the app. tg overrides the telegram adapter when non-nil
// (tests); otherwise one is created when telegram.token is set.
func build(cfgm *config.ConfigManager, cfg *config.Config, tg *telegram.Adapter) (a *App, err error) {
	bootLog := logx.NewConsole("INFO")

	if tg == nil && strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}

	var sender logx.ChatSender
	if tg != nil {
		sender = tg
	}
	logSvc, log := logx.New(mapLogConfig(cfg), sender)
	log = log.With(logx.String("svc", cfg.Service.Name))

	a = &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		tg:      tg,
		updates: make(chan transport.Update, 256),
	}
	// Release what was opened if a later step fails.
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	}

	bc, err := mapBrokerConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.tr, err = broker.Open(bc, log.With(logx.String("comp", "broker"))); err != nil {
		return nil, err
	}

	cc, err := mapCorrelatorConfig(cfg, instanceName(cfg))
	if err != nil {
		return nil, err
	}
	a.corr = rpc.NewCorrelator(a.tr, cc, log, a.bus)
	rc, err := mapResponderConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.resp = rpc.NewResponder(a.tr, rc, log)

	if tg != nil {
		a.registry = chatid.New(a.store, tg, log, a.bus)
	}

	if cfg.Notifier.Enabled {
		ec, err := mapEngineConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.engine = notify.NewEngine(ec, log, a.bus)
		if err := a.registerChannels(cfg, log); err != nil {
			return nil, err
		}
		dest, nc := mapNotifySvcConfig(cfg, cc.DefaultTimeout)
		a.notifDst = dest
		a.notifSvc = notifysvc.New(a.engine, a.corr, nc, log)
	}

	a.recorder = maintenance.NewRecorder(a.store, a.bus, log)
	mc, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.pruner = maintenance.NewPruner(mc, a.store, log)

	if cfg.Gateway.Enabled {
		gc, err := mapGatewayConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.gw = gateway.New(gc, a.corr, log)
	}
	return a, nil
}

func (a *App) registerChannels(cfg *config.Config, log logx.Logger) error {
	ch := cfg.Notifier.Channels
	if c := ch.Email; c != nil && c.Enabled {
		a.engine.Register("email", channels.NewEmail(mapEmailConfig(c), log))
	}
	if c := ch.SMS; c != nil && c.Enabled {
		sc, err := mapSMSConfig(c)
		if err != nil {
			return err
		}
		a.engine.Register("sms", channels.NewSMS(sc, log))
	}
	if c := ch.WhatsApp; c != nil && c.Enabled {
		wc, err := mapWhatsAppConfig(c)
		if err != nil {
			return err
		}
		a.engine.Register("whatsapp", channels.NewWhatsApp(wc, log))
	}
	if c := ch.Bot; c != nil && c.Enabled {
		if a.tg == nil || a.registry == nil {
			return errors.New("notifier.channels.bot requires telegram.token")
		}
		a.engine.Register("bot", channels.NewBot(a.registry, a.tg, c.RatePerSec, log))
	}
	return nil
}

// Bind adds an operation served on destination. Call before Start.
func (a *App) Bind(destination string, op rpc.Operation) {
	a.bindings = append(a.bindings, binding{destination: destination, op: op})
}

// Correlator is the process's request/reply client.
func (a *App) Correlator() *rpc.Correlator { return a.corr }

// Engine is nil when the notifier is disabled.
func (a *App) Engine() *notify.Engine { return a.engine }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateRuntime(cfg) })
	}

	if err := a.corr.Start(run); err != nil {
		return err
	}
	if a.notifSvc != nil {
		if err := a.resp.Bind(run, a.notifDst, a.notifSvc); err != nil {
			return err
		}
		a.log.Info("notifier enabled", logx.String("destination", a.notifDst), logx.Strings("channels", a.engine.Channels()))
	}
	for _, b := range a.bindings {
		if err := a.resp.Bind(run, b.destination, b.op); err != nil {
			return err
		}
	}

	a.sup.Go("delivery.recorder", a.recorder.Run)
	if err := a.pruner.Start(run); err != nil {
		return err
	}

	if a.tg != nil {
		if err := a.tg.Start(run, a.updates); err != nil {
			return err
		}
		if err := a.tg.UpdateMenuCommands(run, chatid.Commands()); err != nil {
			a.log.Warn("bot command menu not updated", logx.Err(err))
		}
		a.sup.GoRestart("chatid.registry", func(c context.Context) error {
			return a.registry.Run(c, a.updates)
		})
	}

	if a.gw != nil {
		a.sup.Go("gateway", a.gw.Run)
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.sup.Go("systemd.watchdog", systemd.Watchdog)
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	}
	a.log.Info("app started", logx.String("reply_to", a.corr.ReplyTo()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if a.engine != nil {
		if ec, err := mapEngineConfig(newCfg); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ec.Retry, ec.SendTimeout)
		}
	}
	if mc, err := mapMaintenanceConfig(newCfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else if err := a.pruner.Apply(mc); err != nil {
		a.log.Warn("maintenance reschedule failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Cancel first so loops, the gateway and in-flight calls unwind.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("responder", 2*time.Second, func(context.Context) error { return a.resp.Close() })
	step("correlator", time.Second, func(context.Context) error { return a.corr.Stop() })
	step("maintenance", 2*time.Second, func(c context.Context) error { a.pruner.Stop(c); return nil })
	if a.tg != nil {
		step("telegram", 2*time.Second, a.tg.Stop)
	}
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("resources", 2*time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeResources releases the broker and the store. Safe on a partially
// built app.
func (a *App) closeResources() {
	if a.recorder != nil {
		a.recorder.Close()
	}
	if a.tr != nil {
		if err := a.tr.Close(); err != nil {
			a.log.Warn("broker close failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
}
