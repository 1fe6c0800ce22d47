package config

// Config is the root document. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m"); empty means "use the default".
type Config struct {
	Service     ServiceConfig     `json:"service"`
	Logging     LoggingConfig     `json:"logging"`
	Broker      BrokerConfig      `json:"broker"`
	RPC         RPCConfig         `json:"rpc"`
	Gateway     GatewayConfig     `json:"gateway"`
	Notifier    NotifierConfig    `json:"notifier"`
	Telegram    TelegramConfig    `json:"telegram"`
	Storage     StorageConfig     `json:"storage"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

// ServiceConfig names this process on the broker. Reply destinations are
// derived from it: "<rpc.reply_prefix>.<name>.<instance>".
type ServiceConfig struct {
	Name     string `json:"name"`
	Instance string `json:"instance,omitempty"` // default: hostname
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings to an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// BrokerConfig selects the message transport.
//
// Example:
//
//	"broker": { "driver": "kafka", "kafka": { "brokers": ["localhost:9092"], "group_id": "docs" } }
type BrokerConfig struct {
	Driver string      `json:"driver"` // memory | kafka | amqp
	Kafka  KafkaConfig `json:"kafka,omitempty"`
	AMQP   AMQPConfig  `json:"amqp,omitempty"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	GroupID string   `json:"group_id,omitempty"` // default: service.name
	// MaxWait bounds how long a fetch waits for new data.
	MaxWait string `json:"max_wait,omitempty"`
}

type AMQPConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange,omitempty"` // default: "switchboard"
	Prefetch int    `json:"prefetch,omitempty"`
}

// RPCConfig controls request/reply correlation.
//
// Defaults:
//   - default_timeout: "10s"
//   - handler_timeout: "30s"
//   - replay_window: "2m"
//   - replay_max_entries: 4096
//   - workers: 16
//   - reply_prefix: "replies"
type RPCConfig struct {
	DefaultTimeout   string `json:"default_timeout,omitempty"`
	HandlerTimeout   string `json:"handler_timeout,omitempty"`
	ReplayWindow     string `json:"replay_window,omitempty"`
	ReplayMaxEntries int    `json:"replay_max_entries,omitempty"`
	Workers          int    `json:"workers,omitempty"`
	ReplyPrefix      string `json:"reply_prefix,omitempty"`
}

// GatewayConfig controls the HTTP edge.
type GatewayConfig struct {
	Enabled  bool           `json:"enabled"`
	Addr     string         `json:"addr,omitempty"` // default: ":8080"
	Profiler bool           `json:"profiler,omitempty"`
	Routes   []GatewayRoute `json:"routes,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// GatewayRoute binds an HTTP route to a broker destination.
//
//	{ "method": "GET", "pattern": "/documents/{id}", "destination": "documents.find", "timeout": "5s" }
type GatewayRoute struct {
	Method      string `json:"method"`
	Pattern     string `json:"pattern"`
	Destination string `json:"destination"`
	Timeout     string `json:"timeout,omitempty"`
}

// NotifierConfig controls the dispatch engine and its channels.
//
// If enabled, this process binds the notifications operation on Destination
// (default "notifications.send").
type NotifierConfig struct {
	Enabled     bool           `json:"enabled"`
	Destination string         `json:"destination,omitempty"`
	SendTimeout string         `json:"send_timeout,omitempty"` // default "30s"
	Retry       RetryConfig    `json:"retry"`
	Channels    ChannelsConfig `json:"channels"`

	// DocumentsDestination is called to resolve document_id on send requests.
	DocumentsDestination string `json:"documents_destination,omitempty"`
}

// RetryConfig defaults: 3 attempts, 1s fixed backoff.
type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Backoff     string `json:"backoff,omitempty"`
}

type ChannelsConfig struct {
	Email    *EmailConfig    `json:"email,omitempty"`
	SMS      *SMSConfig      `json:"sms,omitempty"`
	WhatsApp *WhatsAppConfig `json:"whatsapp,omitempty"`
	Bot      *BotConfig      `json:"bot,omitempty"`
}

type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	From     string `json:"from"`
}

type SMSConfig struct {
	Enabled    bool   `json:"enabled"`
	APIURL     string `json:"api_url"`
	APIKey     string `json:"api_key"` // never logged
	From       string `json:"from"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type WhatsAppConfig struct {
	Enabled    bool   `json:"enabled"`
	APIURL     string `json:"api_url"`
	InstanceID string `json:"instance_id"`
	Token      string `json:"token"` // never logged
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// BotConfig enables the chat-bot channel. It needs telegram.token.
type BotConfig struct {
	Enabled    bool `json:"enabled"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// StorageConfig controls the binding and delivery store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./switchboard.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | file | sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MaintenanceConfig schedules delivery-log pruning.
type MaintenanceConfig struct {
	DeliveryRetention string `json:"delivery_retention,omitempty"` // default "168h"; "0s" keeps forever
	PruneSchedule     string `json:"prune_schedule,omitempty"`     // cron spec, default "@hourly"
	Timezone          string `json:"timezone,omitempty"`
}
