package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Validate checks cross-field rules that strict decoding cannot express.
// Duration strings are checked here so a bad reload is rejected before commit.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Service.Name) == "" {
		add(errors.New("service.name is required"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Broker.Driver)) {
	case "", "memory":
	case "kafka":
		if len(cfg.Broker.Kafka.Brokers) == 0 {
			add(errors.New("broker.kafka.brokers is required when broker.driver=kafka"))
		}
		dur("broker.kafka.max_wait", cfg.Broker.Kafka.MaxWait)
	case "amqp":
		if strings.TrimSpace(cfg.Broker.AMQP.URL) == "" {
			add(errors.New("broker.amqp.url is required when broker.driver=amqp"))
		}
	default:
		add(fmt.Errorf("unknown broker.driver: %s", cfg.Broker.Driver))
	}

	dur("rpc.default_timeout", cfg.RPC.DefaultTimeout)
	dur("rpc.handler_timeout", cfg.RPC.HandlerTimeout)
	dur("rpc.replay_window", cfg.RPC.ReplayWindow)
	if cfg.RPC.ReplayMaxEntries < 0 {
		add(errors.New("rpc.replay_max_entries must be >= 0"))
	}
	if cfg.RPC.Workers < 0 {
		add(errors.New("rpc.workers must be >= 0"))
	}

	dur("gateway.read_timeout", cfg.Gateway.ReadTimeout)
	dur("gateway.write_timeout", cfg.Gateway.WriteTimeout)
	seen := map[string]bool{}
	for i, r := range cfg.Gateway.Routes {
		p := fmt.Sprintf("gateway.routes[%d]", i)
		m := strings.ToUpper(strings.TrimSpace(r.Method))
		switch m {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			add(fmt.Errorf("%s.method: unsupported %q", p, r.Method))
		}
		if !strings.HasPrefix(r.Pattern, "/") {
			add(fmt.Errorf("%s.pattern must start with /", p))
		}
		if strings.TrimSpace(r.Destination) == "" {
			add(fmt.Errorf("%s.destination is required", p))
		}
		dur(p+".timeout", r.Timeout)
		key := m + " " + r.Pattern
		if seen[key] {
			add(fmt.Errorf("%s: duplicate route %s", p, key))
		}
		seen[key] = true
	}

	n := cfg.Notifier
	dur("notifier.send_timeout", n.SendTimeout)
	dur("notifier.retry.backoff", n.Retry.Backoff)
	if n.Retry.MaxAttempts < 0 {
		add(errors.New("notifier.retry.max_attempts must be >= 0"))
	}
	if e := n.Channels.Email; e != nil && e.Enabled {
		if strings.TrimSpace(e.Host) == "" || strings.TrimSpace(e.From) == "" {
			add(errors.New("notifier.channels.email: host and from are required"))
		}
	}
	if s := n.Channels.SMS; s != nil && s.Enabled {
		if strings.TrimSpace(s.APIURL) == "" || strings.TrimSpace(s.From) == "" {
			add(errors.New("notifier.channels.sms: api_url and from are required"))
		}
		dur("notifier.channels.sms.timeout", s.Timeout)
	}
	if w := n.Channels.WhatsApp; w != nil && w.Enabled {
		if strings.TrimSpace(w.APIURL) == "" || strings.TrimSpace(w.InstanceID) == "" {
			add(errors.New("notifier.channels.whatsapp: api_url and instance_id are required"))
		}
		dur("notifier.channels.whatsapp.timeout", w.Timeout)
	}
	if b := n.Channels.Bot; b != nil && b.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("notifier.channels.bot requires telegram.token"))
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "file":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required when storage.driver=sqlite"))
		}
	default:
		add(fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("maintenance.delivery_retention", cfg.Maintenance.DeliveryRetention)

	return errors.Join(errs...)
}
