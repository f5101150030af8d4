package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/ailicia-topchat/internal/session"
)

const wsWriteTimeout = 5 * time.Second

// handleStream pushes every published view as an SSE "leaderboard" event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	select {
	case <-s.closing:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	views, cancel := s.source.Subscribe()
	defer cancel()
	s.metrics.IncSSEClients(1)
	defer s.metrics.IncSSEClients(-1)

	fmt.Fprint(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case v := <-views:
			data, err := json.Marshal(v)
			if err != nil {
				s.metrics.IncBroadcastDrops("sse")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: leaderboard\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			s.metrics.IncViewsSent("sse")
		}
	}
}

// handleWS sends every published view as a JSON text message. Anything the
// client sends is discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(baseWriter(w), r, &websocket.AcceptOptions{
		OriginPatterns: s.cors.originPatterns(),
	})
	if err != nil {
		slog.Debug("http: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	views, cancel := s.source.Subscribe()
	defer cancel()
	s.metrics.IncWSClients(1)
	defer s.metrics.IncWSClients(-1)

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ticker.C:
			pingCtx, done := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			done()
			if err != nil {
				return
			}
		case v := <-views:
			if err := s.writeView(ctx, conn, v); err != nil {
				slog.Debug("http: websocket write", "err", err)
				s.metrics.IncBroadcastDrops("ws")
				return
			}
			s.metrics.IncViewsSent("ws")
		}
	}
}

func (s *Server) writeView(ctx context.Context, conn *websocket.Conn, v session.View) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
