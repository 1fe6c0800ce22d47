package broker

import (
	"fmt"
	"strings"
	"time"

	logx "switchboard/pkg/logx"
)

// Config selects and configures a driver.
type Config struct {
	Driver string // memory | kafka | amqp

	// Group is the default consumer group (usually the service name).
	Group string

	KafkaBrokers []string
	KafkaMaxWait time.Duration

	AMQPURL      string
	AMQPExchange string
	AMQPPrefetch int
}

// Open returns the configured transport. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Transport, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "memory":
		return NewMemory(log), nil
	case "kafka":
		return NewKafka(cfg, log)
	case "amqp":
		return NewAMQP(cfg, log)
	default:
		return nil, fmt.Errorf("unknown broker driver: %s", d)
	}
}
