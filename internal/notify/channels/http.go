// Package channels holds the delivery adapters the dispatch engine fans
// out to: email over SMTP, SMS and WhatsApp over provider REST APIs, and
// the chat bot.
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"switchboard/internal/notify"
)

const defaultHTTPTimeout = 15 * time.Second

// providerClient posts JSON to a provider API and classifies the response.
type providerClient struct {
	name    string
	http    *http.Client
	limiter *rate.Limiter
	// retryable reports whether a non-2xx status is worth another attempt.
	retryable func(status int) bool
}

func newProviderClient(name string, timeout time.Duration, ratePerSec int, retryable func(int) bool) *providerClient {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if retryable == nil {
		retryable = defaultRetryable
	}
	return &providerClient{
		name:      name,
		http:      &http.Client{Timeout: timeout},
		limiter:   newLimiter(ratePerSec),
		retryable: retryable,
	}
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

func defaultRetryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}

// postJSON sends body and decodes a 2xx response into out (when non-nil).
func (c *providerClient) postJSON(ctx context.Context, endpoint string, header http.Header, body, out any) error {
	if err := wait(ctx, c.limiter); err != nil {
		return err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return notify.NoRetry(fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return notify.NoRetry(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// The endpoint may carry credentials; keep it out of the error.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return fmt.Errorf("%s: http post: %w", c.name, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("%s returned %d: %s", c.name, resp.StatusCode, snippet(respBody))
		if c.retryable(resp.StatusCode) {
			return err
		}
		return notify.NoRetry(err)
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			// Delivered; the body is only used for logging.
			return nil
		}
	}
	return nil
}

// maxErrorBody caps how much of a provider's error body reaches outcome
// details and the delivery log.
const maxErrorBody = 512

func snippet(body []byte) []byte {
	body = bytes.TrimSpace(body)
	if len(body) > maxErrorBody {
		body = append(body[:maxErrorBody:maxErrorBody], "..."...)
	}
	return body
}
