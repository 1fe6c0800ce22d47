// Package gateway exposes broker destinations as HTTP routes. Each route
// turns the request into a payload, makes a request/reply call and maps
// the outcome to an HTTP status.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"switchboard/internal/rpc"
	logx "switchboard/pkg/logx"
)

const maxBody = 1 << 20

type Route struct {
	Method      string
	Pattern     string
	Destination string
	Timeout     time.Duration // 0 uses the correlator default
}

type Config struct {
	Addr         string
	Profiler     bool
	Routes       []Route
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Caller is the request/reply side the gateway drives.
type Caller interface {
	Call(ctx context.Context, destination string, payload any, timeout time.Duration) (json.RawMessage, error)
	Pending() int
}

type Server struct {
	cfg    Config
	caller Caller
	log    logx.Logger
	router chi.Router
}

func New(cfg Config, caller Caller, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, caller: caller, log: log.With(logx.String("comp", "gateway"))}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	if s.cfg.Profiler {
		r.Mount("/debug", middleware.Profiler())
	}
	for _, rt := range s.cfg.Routes {
		r.Method(strings.ToUpper(rt.Method), rt.Pattern, s.forward(rt))
	}
	return r
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("gateway listening", logx.String("addr", ln.Addr().String()), logx.Int("routes", len(s.cfg.Routes)))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pending": s.caller.Pending()})
}

func (s *Server) forward(rt Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := buildPayload(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, rpc.CodeBadRequest, err.Error())
			return
		}
		out, err := s.caller.Call(r.Context(), rt.Destination, payload, rt.Timeout)
		if err != nil {
			status, code, msg := statusFor(err)
			if status >= 500 {
				s.log.Warn("call failed", logx.String("destination", rt.Destination), logx.Int("status", status), logx.Err(err))
			}
			writeError(w, status, code, msg)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if len(out) == 0 {
			out = json.RawMessage("null")
		}
		_, _ = w.Write(out)
	}
}

// buildPayload merges the JSON body, query parameters and URL parameters
// into one object. URL parameters win over query parameters, which win
// over body fields of the same name.
func buildPayload(r *http.Request) (map[string]any, error) {
	payload := map[string]any{}
	if r.Body != nil {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if len(raw) > maxBody {
			return nil, errors.New("request body too large")
		}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, errors.New("request body must be a JSON object")
			}
			if payload == nil {
				payload = map[string]any{}
			}
		}
	}
	for k, vs := range r.URL.Query() {
		if len(vs) == 1 {
			payload[k] = vs[0]
		} else {
			payload[k] = vs
		}
	}
	if rc := chi.RouteContext(r.Context()); rc != nil {
		for i, k := range rc.URLParams.Keys {
			if k == "*" || k == "" {
				continue
			}
			payload[k] = rc.URLParams.Values[i]
		}
	}
	return payload, nil
}

func statusFor(err error) (status int, code, msg string) {
	if re, ok := rpc.AsRemote(err); ok {
		switch re.Code {
		case rpc.CodeNotFound:
			status = http.StatusNotFound
		case rpc.CodeInvalid, rpc.CodeBadRequest:
			status = http.StatusBadRequest
		case rpc.CodeForbidden:
			status = http.StatusForbidden
		case rpc.CodeUnauthorized:
			status = http.StatusUnauthorized
		case rpc.CodeConflict:
			status = http.StatusConflict
		case rpc.CodeTimeout:
			status = http.StatusGatewayTimeout
		case rpc.CodeInternal:
			status = http.StatusBadGateway
		default:
			status = http.StatusUnprocessableEntity
		}
		return status, re.Code, re.Message
	}
	switch {
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, rpc.CodeTimeout, "upstream timed out"
	case errors.Is(err, context.Canceled):
		return 499, "canceled", "request canceled"
	case errors.Is(err, rpc.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable", "service unavailable"
	default:
		return http.StatusBadGateway, "transport", "upstream unavailable"
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
