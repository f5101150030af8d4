package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/you/ailicia-topchat/internal/ailicia"
	"github.com/you/ailicia-topchat/internal/core"
)

const (
	maxEventRunes      = 700
	maxGenerationRunes = 300
)

type gameEvent struct {
	EventType string `json:"eventType"`
	Data      struct {
		ChannelName string `json:"channelName"`
		Content     string `json:"content"`
		TTL         int    `json:"ttl,omitempty"`
	} `json:"data"`
}

type receivedEvent struct {
	Kind       string    `json:"kind"`
	Channel    string    `json:"channel"`
	Content    string    `json:"content"`
	TTL        int       `json:"ttl,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// devAPI emulates the remote ai_licia service: REST endpoints record what
// they receive and /emit pushes chat into every open chat stream.
type devAPI struct {
	apiKey string

	mu         sync.Mutex
	events     []receivedEvent
	characters []ailicia.CharacterSummary
	joined     map[string]time.Time
	streams    map[chan core.ChatEvent]streamFilter
}

type streamFilter map[core.Role]struct{}

func (f streamFilter) allows(r core.Role) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[r]
	return ok
}

func newDevAPI(apiKey string) *devAPI {
	return &devAPI{
		apiKey: apiKey,
		characters: []ailicia.CharacterSummary{
			{ID: "licia", Name: "ai_licia", Description: "Default character", IsActive: true},
			{ID: "grumpy", Name: "Grumpy", Description: "Dev character"},
		},
		joined:  make(map[string]time.Time),
		streams: make(map[chan core.ChatEvent]streamFilter),
	}
}

func (d *devAPI) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", d.authed(d.handleEvent))
	mux.HandleFunc("POST /events/generations", d.authed(d.handleGeneration))
	mux.HandleFunc("GET /events/chat/messages/stream", d.handleChatStream)
	mux.HandleFunc("GET /characters", d.authed(d.handleCharacters))
	mux.HandleFunc("PUT /characters/{id}/active", d.authed(d.handleSetActive))
	mux.HandleFunc("POST /streams/{channel}", d.authed(d.handleJoin))
	mux.HandleFunc("DELETE /streams/{channel}", d.authed(d.handleLeave))
	mux.HandleFunc("POST /emit", d.handleEmit)
	mux.HandleFunc("GET /received", d.handleReceived)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (d *devAPI) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.apiKey != "" && r.Header.Get("Authorization") != d.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next(w, r)
	}
}

func (d *devAPI) decodeEvent(w http.ResponseWriter, r *http.Request, limit int) (gameEvent, bool) {
	defer r.Body.Close()
	var ev gameEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return ev, false
	}
	if ev.EventType != "GAME_EVENT" || ev.Data.ChannelName == "" || strings.TrimSpace(ev.Data.Content) == "" {
		writeError(w, http.StatusBadRequest, "eventType, channelName and content are required")
		return ev, false
	}
	if utf8.RuneCountInString(ev.Data.Content) > limit {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("content longer than %d characters", limit))
		return ev, false
	}
	return ev, true
}

func (d *devAPI) record(kind string, ev gameEvent) {
	d.mu.Lock()
	d.events = append(d.events, receivedEvent{
		Kind:       kind,
		Channel:    ev.Data.ChannelName,
		Content:    ev.Data.Content,
		TTL:        ev.Data.TTL,
		ReceivedAt: time.Now().UTC(),
	})
	d.mu.Unlock()
	slog.Info("devapi: received", "kind", kind, "channel", ev.Data.ChannelName, "content", ev.Data.Content)
}

func (d *devAPI) handleEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := d.decodeEvent(w, r, maxEventRunes)
	if !ok {
		return
	}
	d.record("event", ev)
	w.WriteHeader(http.StatusNoContent)
}

func (d *devAPI) handleGeneration(w http.ResponseWriter, r *http.Request) {
	ev, ok := d.decodeEvent(w, r, maxGenerationRunes)
	if !ok {
		return
	}
	d.record("generation", ev)
	writeJSON(w, http.StatusOK, ailicia.GenerationResponse{
		ID:        uuid.NewString(),
		Content:   "(dev) " + ev.Data.Content,
		CreatedAt: time.Now().UTC(),
		Status:    ailicia.GenerationCompleted,
	})
}

func (d *devAPI) handleCharacters(w http.ResponseWriter, _ *http.Request) {
	d.mu.Lock()
	out := append([]ailicia.CharacterSummary(nil), d.characters...)
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (d *devAPI) handleSetActive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := slices.IndexFunc(d.characters, func(c ailicia.CharacterSummary) bool { return c.ID == id })
	if idx < 0 {
		writeError(w, http.StatusNotFound, "character not found")
		return
	}
	for i := range d.characters {
		d.characters[i].IsActive = i == idx
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *devAPI) handleJoin(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	d.mu.Lock()
	at, already := d.joined[channel]
	if !already {
		at = time.Now().UTC()
		d.joined[channel] = at
	}
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, ailicia.JoinChannelResponse{
		Success:       true,
		Message:       "joined " + channel,
		AlreadyJoined: &already,
		JoinedAt:      &at,
		JoinRequestID: uuid.NewString(),
	})
}

func (d *devAPI) handleLeave(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	d.mu.Lock()
	_, ok := d.joined[channel]
	delete(d.joined, channel)
	d.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not joined")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *devAPI) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if d.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+d.apiKey {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	filter := streamFilter{}
	if raw := r.URL.Query().Get("roles"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if role, ok := core.ParseRole(part); ok {
				filter[role] = struct{}{}
			}
		}
	}

	ch := make(chan core.ChatEvent, 64)
	d.mu.Lock()
	d.streams[ch] = filter
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.streams, ch)
		d.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\ndata: %s\n\n", ev.ID, data)
			flusher.Flush()
		}
	}
}

type emitRequest struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
	Content  string `json:"content"`
	Role     string `json:"role,omitempty"`
	IsSub    bool   `json:"isSub,omitempty"`
}

// handleEmit injects one chat message into every open stream whose role
// filter admits it.
func (d *devAPI) handleEmit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req emitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "username and content required")
		return
	}
	role := core.RoleViewer
	if req.Role != "" {
		parsed, ok := core.ParseRole(req.Role)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown role")
			return
		}
		role = parsed
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ev := core.ChatEvent{
		ID:           req.ID,
		Username:     req.Username,
		Content:      req.Content,
		Role:         role,
		IsSubscriber: req.IsSub,
		SentAt:       time.Now().UTC(),
	}

	delivered := 0
	d.mu.Lock()
	for ch, filter := range d.streams {
		if !filter.allows(role) {
			continue
		}
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": ev.ID, "delivered": delivered})
}

func (d *devAPI) handleReceived(w http.ResponseWriter, _ *http.Request) {
	d.mu.Lock()
	out := append([]receivedEvent{}, d.events...)
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
