package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"switchboard/internal/app"
	logx "switchboard/pkg/logx"
)

func callCmd(cfgPath *string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "call <destination> [json]",
		Short: "Send one request and print the reply",
		Long: `Send one request over the configured broker and print the reply.

Examples:
  switchboard call documents.find '{"id":"7"}'
  echo '{"id":"7"}' | switchboard call documents.find -`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage("{}")
			if len(args) == 2 {
				raw, err := readPayload(args[1])
				if err != nil {
					return err
				}
				payload = raw
			}
			return doCall(cmd.Context(), *cfgPath, args[0], payload, timeout)
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "reply timeout (default rpc.default_timeout)")
	return cmd
}

func readPayload(arg string) (json.RawMessage, error) {
	var raw []byte
	if arg == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		raw = b
	} else {
		raw = []byte(arg)
	}
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return raw, nil
}

func doCall(ctx context.Context, cfgPath, destination string, payload any, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := app.NewClient(cfgPath, logx.NewConsole("WARN"))
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Start(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(destination) == "" {
		destination = c.NotifyDestination
	}
	out, err := c.Call(ctx, destination, payload, timeout)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, out, "", "  ") != nil {
		pretty.Reset()
		pretty.Write(out)
	}
	fmt.Println(pretty.String())
	return nil
}
