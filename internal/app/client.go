package app

import (
	"context"
	"encoding/json"
	"time"

	"switchboard/internal/broker"
	"switchboard/internal/config"
	"switchboard/internal/rpc"
	logx "switchboard/pkg/logx"
)

// Client is a short-lived request/reply caller for command line use. It
// shares the service's broker config but always gets its own reply
// destination.
type Client struct {
	tr   broker.Transport
	corr *rpc.Correlator
	// NotifyDestination is where notifications.send is bound.
	NotifyDestination string
}

func NewClient(cfgPath string, log logx.Logger) (*Client, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bc, err := mapBrokerConfig(cfg)
	if err != nil {
		return nil, err
	}
	cli := *cfg
	cli.Service.Instance = ""
	cc, err := mapCorrelatorConfig(&cli, "cli-"+instanceName(&cli))
	if err != nil {
		return nil, err
	}
	tr, err := broker.Open(bc, log)
	if err != nil {
		return nil, err
	}
	c := &Client{tr: tr, corr: rpc.NewCorrelator(tr, cc, log, nil)}
	c.NotifyDestination, _ = mapNotifySvcConfig(cfg, 0)
	return c, nil
}

func (c *Client) Start(ctx context.Context) error { return c.corr.Start(ctx) }

func (c *Client) Call(ctx context.Context, destination string, payload any, timeout time.Duration) (json.RawMessage, error) {
	return c.corr.Call(ctx, destination, payload, timeout)
}

func (c *Client) Close() error {
	_ = c.corr.Stop()
	return c.tr.Close()
}
