// Package api exposes the assessment engine over HTTP.
//
// Routes:
//   - POST   /v1/assessments               start a run
//   - GET    /v1/assessments               list runs held in memory
//   - GET    /v1/assessments/{id}          status
//   - GET    /v1/assessments/{id}/report   report (?format=json|markdown|html)
//   - DELETE /v1/assessments/{id}          cancel
//   - GET    /v1/assessments/{id}/stream   WebSocket status push
//   - GET    /metrics                      Prometheus metrics
//   - GET    /healthz                      liveness
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/waftester/vulnassess/pkg/defaults"
	"github.com/waftester/vulnassess/pkg/duration"
	"github.com/waftester/vulnassess/pkg/finding"
	"github.com/waftester/vulnassess/pkg/jsonutil"
	"github.com/waftester/vulnassess/pkg/portscan"
	"github.com/waftester/vulnassess/pkg/report"
	"github.com/waftester/vulnassess/pkg/target"
)

// Engine is the subset of assessment.Engine the server drives.
type Engine interface {
	Start(ctx context.Context, spec target.Spec, profile portscan.Profile) (string, error)
	GetStatus(id string) (report.Status, error)
	GetReport(id string) (*report.AssessmentRun, error)
	Cancel(id string) error
	List() []report.Status
}

// Options configures a Server.
type Options struct {
	Engine Engine

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// StatusInterval is the WebSocket push period.
	StatusInterval time.Duration

	// DefaultProfile applies when a start request names none.
	DefaultProfile portscan.Profile

	// CheckOrigin vets WebSocket upgrades. Nil allows same-origin requests
	// and clients that send no Origin.
	CheckOrigin func(r *http.Request) bool

	// ReadTimeout bounds reading a request. There is no write timeout:
	// status streams stay open for the life of a run.
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server serves the API.
type Server struct {
	opts      Options
	handler   http.Handler
	generator *report.Generator
	streams   atomic.Int64
}

// New builds a server around opts.Engine.
func New(opts Options) *Server {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = duration.StatusPush
	}
	if opts.DefaultProfile.Name == "" {
		opts.DefaultProfile = portscan.Quick
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = duration.ServerRead
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = duration.ServerShutdown
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{opts: opts, generator: report.NewGenerator()}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/assessments", s.handleStart)
	mux.HandleFunc("GET /v1/assessments", s.handleList)
	mux.HandleFunc("GET /v1/assessments/{id}", s.handleStatus)
	mux.HandleFunc("GET /v1/assessments/{id}/report", s.handleReport)
	mux.HandleFunc("DELETE /v1/assessments/{id}", s.handleCancel)
	mux.HandleFunc("GET /v1/assessments/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	s.handler = s.recoveryMiddleware(securityHeaders(mux))
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve accepts connections on ln until ctx ends, then shuts down
// gracefully within ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.opts.ReadTimeout,
		ReadTimeout:       s.opts.ReadTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.opts.Logger.Info("api listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// authRequest mirrors target.AuthContext with the bearer token readable.
type authRequest struct {
	Headers     map[string]string `json:"headers"`
	Cookies     map[string]string `json:"cookies"`
	BearerToken string            `json:"bearer_token"`
}

type startRequest struct {
	Host       string       `json:"host"`
	Ports      string       `json:"ports"`
	BaseURLs   []string     `json:"base_urls"`
	Auth       *authRequest `json:"auth"`
	Authorized bool         `json:"authorized"`
	Profile    string       `json:"profile"`
}

func (r startRequest) spec() target.Spec {
	spec := target.Spec{
		Host:       r.Host,
		Ports:      r.Ports,
		BaseURLs:   r.BaseURLs,
		Authorized: r.Authorized,
	}
	if r.Auth != nil {
		spec.Auth = &target.AuthContext{
			Headers:     r.Auth.Headers,
			Cookies:     r.Auth.Cookies,
			BearerToken: r.Auth.BearerToken,
		}
	}
	return spec
}

type startResponse struct {
	ID        string `json:"id"`
	StatusURL string `json:"status_url"`
	StreamURL string `json:"stream_url"`
	ReportURL string `json:"report_url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

const maxRequestBody = 64 << 10

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := jsonutil.UnmarshalRead(http.MaxBytesReader(w, r.Body, maxRequestBody), &req); err != nil {
		s.writeError(w, fmt.Errorf("%w: request body: %v", finding.ErrConfiguration, err))
		return
	}
	profile := s.opts.DefaultProfile
	if req.Profile != "" {
		p, err := portscan.ParseProfile(req.Profile)
		if err != nil {
			s.writeError(w, err)
			return
		}
		profile = p
	}
	id, err := s.opts.Engine.Start(r.Context(), req.spec(), profile)
	if err != nil {
		s.writeError(w, err)
		return
	}
	base := "/v1/assessments/" + id
	w.Header().Set("Location", base)
	s.writeJSON(w, http.StatusAccepted, startResponse{
		ID:        id,
		StatusURL: base,
		StreamURL: base + "/stream",
		ReportURL: base + "/report",
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Engine.List())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Engine.GetStatus(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

var contentTypes = map[report.Format]string{
	report.FormatJSON:     "application/json",
	report.FormatMarkdown: "text/markdown; charset=utf-8",
	report.FormatHTML:     "text/html; charset=utf-8",
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	format := report.FormatJSON
	if v := r.URL.Query().Get("format"); v != "" {
		f, err := report.ParseFormat(v)
		if err != nil {
			s.writeError(w, err)
			return
		}
		format = f
	}
	run, err := s.opts.Engine.GetReport(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.generator.GenerateToString(report.Build(run), format)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentTypes[format])
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Engine.Cancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.opts.Engine.GetStatus(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": defaults.ToolName,
		"version": defaults.Version,
		"streams": s.streams.Load(),
	})
}

// statusCode maps the error taxonomy onto HTTP.
func statusCode(err error) int {
	switch {
	case errors.Is(err, finding.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, finding.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= 500 {
		s.opts.Logger.Error("api request failed", slog.String("error", err.Error()))
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := jsonutil.Marshal(v)
	if err != nil {
		s.opts.Logger.Error("api encode failed", slog.String("error", err.Error()))
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

// sameOrigin accepts clients without an Origin header and browsers on the
// API's own host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, host, ok := strings.Cut(origin, "://")
	return ok && strings.EqualFold(host, r.Host)
}
