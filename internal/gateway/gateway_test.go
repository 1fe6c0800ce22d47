package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"switchboard/internal/broker"
	"switchboard/internal/rpc"
	logx "switchboard/pkg/logx"
)

type fakeCaller struct {
	dest    string
	payload any
	timeout time.Duration
	reply   json.RawMessage
	err     error
}

func (f *fakeCaller) Call(ctx context.Context, dest string, payload any, timeout time.Duration) (json.RawMessage, error) {
	f.dest, f.payload, f.timeout = dest, payload, timeout
	return f.reply, f.err
}

func (f *fakeCaller) Pending() int { return 3 }

func newTestServer(c Caller) *httptest.Server {
	s := New(Config{Routes: []Route{
		{Method: "get", Pattern: "/documents/{id}", Destination: "documents.find", Timeout: 2 * time.Second},
		{Method: "POST", Pattern: "/notifications", Destination: "notifications.send"},
	}}, c, logx.Nop())
	return httptest.NewServer(s.Handler())
}

func TestForwardBuildsPayload(t *testing.T) {
	c := &fakeCaller{reply: json.RawMessage(`{"title":"Invoice 7"}`)}
	srv := newTestServer(c)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/documents/7?fields=title&id=ignored")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["title"] != "Invoice 7" {
		t.Fatalf("body = %v", body)
	}
	p := c.payload.(map[string]any)
	if c.dest != "documents.find" || c.timeout != 2*time.Second || p["id"] != "7" || p["fields"] != "title" {
		t.Fatalf("dest=%q timeout=%v payload=%v", c.dest, c.timeout, p)
	}
}

func TestForwardBody(t *testing.T) {
	c := &fakeCaller{reply: json.RawMessage(`{"delivered":true}`)}
	srv := newTestServer(c)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/notifications", "application/json", strings.NewReader(`{"message":"hi","channels":["email"]}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if p := c.payload.(map[string]any); p["message"] != "hi" {
		t.Fatalf("payload = %v", p)
	}

	resp, err = http.Post(srv.URL+"/notifications", "application/json", strings.NewReader(`[1,2]`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad body status = %d", resp.StatusCode)
	}
}

func TestStatusMapping(t *testing.T) {
	remote := func(code string) error {
		return &rpc.RemoteError{Destination: "documents.find", Code: code, Message: "m"}
	}
	cases := []struct {
		err    error
		status int
	}{
		{remote(rpc.CodeNotFound), http.StatusNotFound},
		{remote(rpc.CodeInvalid), http.StatusBadRequest},
		{remote(rpc.CodeBadRequest), http.StatusBadRequest},
		{remote(rpc.CodeForbidden), http.StatusForbidden},
		{remote(rpc.CodeUnauthorized), http.StatusUnauthorized},
		{remote(rpc.CodeConflict), http.StatusConflict},
		{remote(rpc.CodeTimeout), http.StatusGatewayTimeout},
		{remote(rpc.CodeInternal), http.StatusBadGateway},
		{remote("quota_exceeded"), http.StatusUnprocessableEntity},
		{fmt.Errorf("call documents.find: %w", rpc.ErrTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("%w: connection reset", rpc.ErrTransport), http.StatusBadGateway},
	}
	for _, tc := range cases {
		c := &fakeCaller{err: tc.err}
		srv := newTestServer(c)
		resp, err := http.Get(srv.URL + "/documents/1")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		srv.Close()
		if resp.StatusCode != tc.status {
			t.Errorf("%v: status = %d, want %d", tc.err, resp.StatusCode, tc.status)
		}
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&fakeCaller{})
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Status  string `json:"status"`
		Pending int    `json:"pending"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body.Status != "ok" || body.Pending != 3 {
		t.Fatalf("status=%d body=%+v", resp.StatusCode, body)
	}
}

func TestUnknownRouteAndProfilerOff(t *testing.T) {
	srv := newTestServer(&fakeCaller{})
	defer srv.Close()
	for _, p := range []string{"/nope", "/debug/pprof/"} {
		resp, err := http.Get(srv.URL + p)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: status = %d", p, resp.StatusCode)
		}
	}
}

// Gateway through the in-memory broker to a bound operation.
func TestGatewayOverBroker(t *testing.T) {
	tr := broker.NewMemory(logx.Nop())
	defer tr.Close()
	resp := rpc.NewResponder(tr, rpc.ResponderConfig{Group: "documents"}, logx.Nop())
	defer resp.Close()
	if err := resp.Bind(context.Background(), "documents.find", rpc.OperationFunc(func(ctx context.Context, p json.RawMessage) (any, error) {
		var in struct{ ID string `json:"id"` }
		_ = json.Unmarshal(p, &in)
		if in.ID != "7" {
			return nil, rpc.NewDomainError(rpc.CodeNotFound, "document %s not found", in.ID)
		}
		return map[string]string{"id": in.ID, "title": "Invoice 7"}, nil
	})); err != nil {
		t.Fatal(err)
	}
	c := rpc.NewCorrelator(tr, rpc.CorrelatorConfig{ReplyTo: "replies.gw"}, logx.Nop(), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	srv := newTestServer(c)
	defer srv.Close()
	for id, want := range map[string]int{"7": http.StatusOK, "8": http.StatusNotFound} {
		r, err := http.Get(srv.URL + "/documents/" + id)
		if err != nil {
			t.Fatal(err)
		}
		r.Body.Close()
		if r.StatusCode != want {
			t.Fatalf("id %s: status = %d, want %d", id, r.StatusCode, want)
		}
	}
}
