package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/broker"
	"switchboard/internal/config"
	"switchboard/internal/gateway"
	"switchboard/internal/maintenance"
	"switchboard/internal/notify"
	"switchboard/internal/notify/channels"
	"switchboard/internal/notifysvc"
	"switchboard/internal/rpc"
	"switchboard/internal/storage"
	logx "switchboard/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapBrokerConfig(cfg *config.Config) (broker.Config, error) {
	bc := cfg.Broker
	maxWait, err := config.ParseDurationOrDefault("broker.kafka.max_wait", bc.Kafka.MaxWait, time.Second)
	if err != nil {
		return broker.Config{}, err
	}
	group := strings.TrimSpace(bc.Kafka.GroupID)
	if group == "" {
		group = cfg.Service.Name
	}
	return broker.Config{
		Driver:       bc.Driver,
		Group:        group,
		KafkaBrokers: bc.Kafka.Brokers,
		KafkaMaxWait: maxWait,
		AMQPURL:      bc.AMQP.URL,
		AMQPExchange: bc.AMQP.Exchange,
		AMQPPrefetch: bc.AMQP.Prefetch,
	}, nil
}

// instanceName defaults to the hostname plus a short random suffix so two
// processes on one host never share a reply destination.
func instanceName(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Service.Instance); s != "" {
		return s
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return host + "-" + uuid.NewString()[:8]
}

func mapCorrelatorConfig(cfg *config.Config, instance string) (rpc.CorrelatorConfig, error) {
	def, err := config.ParseDurationOrDefault("rpc.default_timeout", cfg.RPC.DefaultTimeout, 10*time.Second)
	if err != nil {
		return rpc.CorrelatorConfig{}, err
	}
	prefix := strings.TrimSpace(cfg.RPC.ReplyPrefix)
	if prefix == "" {
		prefix = "replies"
	}
	return rpc.CorrelatorConfig{
		ReplyTo:        fmt.Sprintf("%s.%s.%s", prefix, cfg.Service.Name, instance),
		Producer:       cfg.Service.Name,
		DefaultTimeout: def,
	}, nil
}

func mapResponderConfig(cfg *config.Config) (rpc.ResponderConfig, error) {
	ht, err := config.ParseDurationOrDefault("rpc.handler_timeout", cfg.RPC.HandlerTimeout, 30*time.Second)
	if err != nil {
		return rpc.ResponderConfig{}, err
	}
	rw, err := config.ParseDurationOrDefault("rpc.replay_window", cfg.RPC.ReplayWindow, 2*time.Minute)
	if err != nil {
		return rpc.ResponderConfig{}, err
	}
	return rpc.ResponderConfig{
		Group:            cfg.Service.Name,
		Producer:         cfg.Service.Name,
		HandlerTimeout:   ht,
		ReplayWindow:     rw,
		ReplayMaxEntries: cfg.RPC.ReplayMaxEntries,
		Workers:          cfg.RPC.Workers,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (notify.EngineConfig, error) {
	nc := cfg.Notifier
	st, err := config.ParseDurationOrDefault("notifier.send_timeout", nc.SendTimeout, 30*time.Second)
	if err != nil {
		return notify.EngineConfig{}, err
	}
	backoff, err := config.ParseDurationUnlessEmpty("notifier.retry.backoff", nc.Retry.Backoff, time.Second)
	if err != nil {
		return notify.EngineConfig{}, err
	}
	if nc.Retry.MaxAttempts < 0 {
		return notify.EngineConfig{}, fmt.Errorf("notifier.retry.max_attempts must be >= 0")
	}
	p := notify.DefaultRetryPolicy()
	if nc.Retry.MaxAttempts > 0 {
		p.MaxAttempts = nc.Retry.MaxAttempts
	}
	p.Backoff = backoff
	return notify.EngineConfig{Retry: p, SendTimeout: st}, nil
}

func mapNotifySvcConfig(cfg *config.Config, lookupTimeout time.Duration) (string, notifysvc.Config) {
	dest := strings.TrimSpace(cfg.Notifier.Destination)
	if dest == "" {
		dest = notifysvc.DefaultDestination
	}
	return dest, notifysvc.Config{DocumentsDestination: strings.TrimSpace(cfg.Notifier.DocumentsDestination), LookupTimeout: lookupTimeout}
}

func mapEmailConfig(c *config.EmailConfig) channels.EmailConfig {
	return channels.EmailConfig{Host: c.Host, Port: c.Port, Username: c.Username, Password: c.Password, From: c.From}
}

func mapSMSConfig(c *config.SMSConfig) (channels.SMSConfig, error) {
	to, err := config.ParseDurationField("notifier.channels.sms.timeout", c.Timeout)
	if err != nil {
		return channels.SMSConfig{}, err
	}
	return channels.SMSConfig{APIURL: c.APIURL, APIKey: c.APIKey, From: c.From, RatePerSec: c.RatePerSec, Timeout: to}, nil
}

func mapWhatsAppConfig(c *config.WhatsAppConfig) (channels.WhatsAppConfig, error) {
	to, err := config.ParseDurationField("notifier.channels.whatsapp.timeout", c.Timeout)
	if err != nil {
		return channels.WhatsAppConfig{}, err
	}
	return channels.WhatsAppConfig{APIURL: c.APIURL, InstanceID: c.InstanceID, Token: c.Token, RatePerSec: c.RatePerSec, Timeout: to}, nil
}

func mapGatewayConfig(cfg *config.Config) (gateway.Config, error) {
	gc := cfg.Gateway
	rt, err := config.ParseDurationField("gateway.read_timeout", gc.ReadTimeout)
	if err != nil {
		return gateway.Config{}, err
	}
	wt, err := config.ParseDurationField("gateway.write_timeout", gc.WriteTimeout)
	if err != nil {
		return gateway.Config{}, err
	}
	out := gateway.Config{Addr: gc.Addr, Profiler: gc.Profiler, ReadTimeout: rt, WriteTimeout: wt}
	for i, r := range gc.Routes {
		to, err := config.ParseDurationField(fmt.Sprintf("gateway.routes[%d].timeout", i), r.Timeout)
		if err != nil {
			return gateway.Config{}, err
		}
		out.Routes = append(out.Routes, gateway.Route{Method: r.Method, Pattern: r.Pattern, Destination: r.Destination, Timeout: to})
	}
	return out, nil
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	mc := cfg.Maintenance
	ret, err := config.ParseDurationUnlessEmpty("maintenance.delivery_retention", mc.DeliveryRetention, maintenance.DefaultRetention)
	if err != nil {
		return maintenance.Config{}, err
	}
	out := maintenance.Config{Retention: ret, Schedule: strings.TrimSpace(mc.PruneSchedule), Timezone: strings.TrimSpace(mc.Timezone)}
	if out.Schedule != "" {
		if _, err := maintenance.ParseSchedule(out.Schedule); err != nil {
			return maintenance.Config{}, fmt.Errorf("maintenance.prune_schedule: %w", err)
		}
	}
	if out.Timezone != "" {
		if _, err := time.LoadLocation(out.Timezone); err != nil {
			return maintenance.Config{}, fmt.Errorf("maintenance.timezone: invalid %q: %w", out.Timezone, err)
		}
	}
	return out, nil
}

// validateRuntime rejects a reload whose hot-applied sections do not map.
func validateRuntime(cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	return nil
}
