// Package httpadmin serves operator endpoints that act on the running
// session: key reload, store reset, runtime tuning and state dumps.
package httpadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/ailicia-topchat/internal/coordinator"
	"github.com/you/ailicia-topchat/internal/session"
	"github.com/you/ailicia-topchat/internal/stats"
)

const (
	loopTimeout  = 2 * time.Second
	maxBodyBytes = 64 << 10
)

type Reloader interface {
	Reload() (channel string, err error)
}

// Session is the part of *session.Session the admin surface drives.
type Session interface {
	Reset()
	Inspect(ctx context.Context) (session.Inspection, error)
	SetExcluded(ctx context.Context, set stats.ExclusionSet) error
	Configure(ctx context.Context, edit func(*coordinator.Options)) (coordinator.Options, error)
	ChatterTotal(ctx context.Context, username string) (int, bool, error)
}

type Server struct {
	rel  Reloader
	sess Session
}

func New(rel Reloader, sess Session) *Server { return &Server{rel: rel, sess: sess} }

// Register mounts the admin routes. Wrong methods get 405 from the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /admin/credentials/reload", s.handleReload)
	mux.HandleFunc("POST /admin/reset", func(w http.ResponseWriter, _ *http.Request) {
		s.sess.Reset()
		writeJSON(w, map[string]any{"status": "ok", "reset": true})
	})
	mux.HandleFunc("GET /admin/session", s.handleInspect)
	mux.HandleFunc("PUT /admin/excluded", s.handleExcluded)
	mux.HandleFunc("PUT /admin/coordinator", s.handleCoordinator)
	mux.HandleFunc("GET /admin/chatters/{username}", s.handleChatter)
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	channel, err := s.rel.Reload()
	if err != nil {
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "reloaded": true, "channel": channel})
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), loopTimeout)
	defer cancel()
	in, err := s.sess.Inspect(ctx)
	if err != nil {
		unavailable(w, err)
		return
	}
	writeJSON(w, in)
}

type excludedRequest struct {
	Usernames []string `json:"usernames"`
}

// handleExcluded replaces the exclusion set. The response lists the
// normalized names now hidden.
func (s *Server) handleExcluded(w http.ResponseWriter, r *http.Request) {
	var req excludedRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	set := stats.NewExclusionSet(req.Usernames)
	ctx, cancel := context.WithTimeout(r.Context(), loopTimeout)
	defer cancel()
	if err := s.sess.SetExcluded(ctx, set); err != nil {
		unavailable(w, err)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "excluded": set.Names()})
}

// coordinatorPatch carries the tunable coordinator settings. Absent fields
// keep their current value.
type coordinatorPatch struct {
	ContextIntervalMS    *int  `json:"contextIntervalMs"`
	ContextTTLSecs       *int  `json:"contextTtlSecs"`
	OvertakeEnabled      *bool `json:"overtakeEnabled"`
	OvertakeIntervalMS   *int  `json:"overtakeNotificationIntervalMs"`
	GenerationCooldownMS *int  `json:"generationCooldownMs"`
}

func (p coordinatorPatch) validate() error {
	for name, v := range map[string]*int{
		"contextIntervalMs":              p.ContextIntervalMS,
		"contextTtlSecs":                 p.ContextTTLSecs,
		"overtakeNotificationIntervalMs": p.OvertakeIntervalMS,
		"generationCooldownMs":           p.GenerationCooldownMS,
	} {
		if v != nil && *v < 0 {
			return errors.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

func (p coordinatorPatch) apply(o *coordinator.Options) {
	if p.ContextIntervalMS != nil {
		o.ContextInterval = time.Duration(*p.ContextIntervalMS) * time.Millisecond
	}
	if p.ContextTTLSecs != nil {
		o.ContextTTL = time.Duration(*p.ContextTTLSecs) * time.Second
	}
	if p.OvertakeEnabled != nil {
		o.OvertakeEnabled = *p.OvertakeEnabled
	}
	if p.OvertakeIntervalMS != nil {
		o.DigestInterval = time.Duration(*p.OvertakeIntervalMS) * time.Millisecond
	}
	if p.GenerationCooldownMS != nil {
		o.Cooldown = time.Duration(*p.GenerationCooldownMS) * time.Millisecond
	}
}

type coordinatorSettings struct {
	ContextIntervalMS    int64 `json:"contextIntervalMs"`
	ContextTTLSecs       int64 `json:"contextTtlSecs"`
	OvertakeEnabled      bool  `json:"overtakeEnabled"`
	OvertakeIntervalMS   int64 `json:"overtakeNotificationIntervalMs"`
	GenerationCooldownMS int64 `json:"generationCooldownMs"`
}

func settingsOf(o coordinator.Options) coordinatorSettings {
	return coordinatorSettings{
		ContextIntervalMS:    o.ContextInterval.Milliseconds(),
		ContextTTLSecs:       int64(o.ContextTTL / time.Second),
		OvertakeEnabled:      o.OvertakeEnabled,
		OvertakeIntervalMS:   o.DigestInterval.Milliseconds(),
		GenerationCooldownMS: o.Cooldown.Milliseconds(),
	}
}

func (s *Server) handleCoordinator(w http.ResponseWriter, r *http.Request) {
	var patch coordinatorPatch
	if err := decodeBody(w, r, &patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := patch.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), loopTimeout)
	defer cancel()
	opts, err := s.sess.Configure(ctx, patch.apply)
	if err != nil {
		unavailable(w, err)
		return
	}
	writeJSON(w, settingsOf(opts))
}

func (s *Server) handleChatter(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("username"))
	ctx, cancel := context.WithTimeout(r.Context(), loopTimeout)
	defer cancel()
	total, ok, err := s.sess.ChatterTotal(ctx, name)
	if err != nil {
		unavailable(w, err)
		return
	}
	if !ok {
		http.Error(w, "chatter not seen this session", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"username": name, "total": total})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid body")
	}
	return nil
}

// unavailable reports a loop that has stopped or is wedged.
func unavailable(w http.ResponseWriter, err error) {
	http.Error(w, "session unavailable: "+err.Error(), http.StatusServiceUnavailable)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
