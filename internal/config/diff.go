package config

import (
	"reflect"
	"strings"

	logx "switchboard/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, passwords, api keys) are
// never included.
//
// restart lists sections whose change only takes effect after a restart
// (broker, gateway listener, storage, telegram).
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.String("notifier.send_timeout", strings.TrimSpace(newCfg.Notifier.SendTimeout)),
			logx.Int("notifier.retry.max_attempts", newCfg.Notifier.Retry.MaxAttempts),
			logx.String("notifier.retry.backoff", strings.TrimSpace(newCfg.Notifier.Retry.Backoff)),
		)
		// Channel endpoints and credentials are bound at startup.
		if !reflect.DeepEqual(oldCfg.Notifier.Channels, newCfg.Notifier.Channels) ||
			oldCfg.Notifier.Enabled != newCfg.Notifier.Enabled ||
			oldCfg.Notifier.Destination != newCfg.Notifier.Destination {
			restart = append(restart, "notifier.channels")
		}
	}

	if oldCfg.RPC != newCfg.RPC {
		changed = append(changed, "rpc")
		attrs = append(attrs,
			logx.String("rpc.default_timeout", newCfg.RPC.DefaultTimeout),
			logx.String("rpc.handler_timeout", newCfg.RPC.HandlerTimeout),
		)
		restart = append(restart, "rpc")
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.delivery_retention", newCfg.Maintenance.DeliveryRetention),
			logx.String("maintenance.prune_schedule", newCfg.Maintenance.PruneSchedule),
		)
		restart = append(restart, "maintenance")
	}

	if oldCfg.Service != newCfg.Service {
		changed = append(changed, "service")
		restart = append(restart, "service")
	}
	if !reflect.DeepEqual(oldCfg.Broker, newCfg.Broker) {
		changed = append(changed, "broker")
		attrs = append(attrs, logx.String("broker.driver", newCfg.Broker.Driver))
		restart = append(restart, "broker")
	}
	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.Bool("gateway.enabled", newCfg.Gateway.Enabled),
			logx.Int("gateway.routes", len(newCfg.Gateway.Routes)),
		)
		restart = append(restart, "gateway")
	}
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
		restart = append(restart, "telegram")
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		restart = append(restart, "storage")
	}
	return changed, attrs, restart
}
