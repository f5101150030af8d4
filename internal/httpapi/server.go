// Package httpapi serves the local overlay feed: the live leaderboard as
// JSON, SSE and WebSocket, plus history queries against the archive.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/you/ailicia-topchat/internal/core"
	"github.com/you/ailicia-topchat/internal/metrics"
	"github.com/you/ailicia-topchat/internal/session"
)

// Source is the live leaderboard.
type Source interface {
	View() session.View
	Subscribe() (<-chan session.View, func())
}

// ChatterTotal is one archived chatter's message count.
type ChatterTotal struct {
	Username    string    `json:"username"`
	Count       int64     `json:"count"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// History answers queries over the archive.
type History interface {
	TopChatters(ctx context.Context, filters Filters) ([]ChatterTotal, error)
	ListOvertakes(ctx context.Context, filters Filters) ([]core.OvertakeEvent, error)
	Ping() error
}

type Options struct {
	Addr          string
	CORSOrigins   []string
	RateRPS       int
	RateBurst     int
	EnableMetrics bool
	AccessLog     bool
	EnablePprof   bool
	// PingInterval spaces keepalives on streaming connections.
	PingInterval time.Duration
	Build        BuildInfo
	// Config returns the redacted configuration served on /config.
	Config func() []byte
}

type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	source     Source
	history    History
	metrics    *metrics.Metrics
	opts       Options

	cors    *corsPolicy
	limiter *clientLimiter

	closeOnce sync.Once
	closing   chan struct{}
}

// New builds the server. history may be nil when no archive is configured;
// the history routes then answer 503.
func New(source Source, history History, m *metrics.Metrics, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	srv := &Server{
		mux:     http.NewServeMux(),
		source:  source,
		history: history,
		metrics: m,
		opts:    opts,
		cors:    newCORSPolicy(opts.CORSOrigins),
		limiter: newClientLimiter(opts.RateRPS, opts.RateBurst),
		closing: make(chan struct{}),
	}

	mux := srv.mux
	mux.Handle("/healthz", srv.wrap("/healthz", false, srv.handleHealthz))
	mux.Handle("/info", srv.wrap("/info", true, srv.handleInfo))
	mux.Handle("/config", srv.wrap("/config", true, srv.handleConfig))
	mux.Handle("/leaderboard", srv.wrap("/leaderboard", true, srv.handleLeaderboard))
	mux.Handle("/status", srv.wrap("/status", true, srv.handleStatus))
	mux.Handle("/stream", srv.wrap("/stream", false, srv.handleStream))
	mux.Handle("/ws", srv.wrap("/ws", false, srv.handleWS))
	mux.Handle("/history/top", srv.wrap("/history/top", true, srv.handleHistoryTop))
	mux.Handle("/overtakes", srv.wrap("/overtakes", true, srv.handleOvertakes))
	if opts.EnableMetrics && m != nil {
		mux.Handle("/metrics", m.Handler())
	}
	if opts.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Mux exposes the router so other packages can add routes (admin).
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.history != nil {
		if err := s.history.Ping(); err != nil {
			http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.source.View())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	v := s.source.View()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": v.SessionID,
		"channel":   v.Channel,
		"status":    v.Status,
	})
}

func (s *Server) handleHistoryTop(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "archive disabled", http.StatusServiceUnavailable)
		return
	}
	filters, err := FiltersFromRequest(r, defaultTopLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.history.TopChatters(r.Context(), filters)
	if err != nil {
		slog.Error("http: top chatters", "err", err)
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []ChatterTotal{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleOvertakes(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "archive disabled", http.StatusServiceUnavailable)
		return
	}
	filters, err := FiltersFromRequest(r, defaultLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.history.ListOvertakes(r.Context(), filters)
	if err != nil {
		slog.Error("http: list overtakes", "err", err)
		http.Error(w, "query error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []core.OvertakeEvent{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) Start() error {
	slog.Info("http: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

// Shutdown ends streaming clients first so the server can drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.httpServer.Shutdown(ctx)
}
