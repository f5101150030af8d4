package httpapi

import (
	"compress/gzip"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// wrap runs a route behind the access checks, optional compression, request
// metrics and the access log. Streaming routes pass compress=false.
func (s *Server) wrap(route string, compress bool, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w}
		defer s.observe(route, r, rec, start)

		if !s.admit(rec, r) {
			return
		}
		if compress && wantsGzip(r) {
			gz := rec.compress()
			defer gz.Close()
		}
		h(rec, r)
	})
}

// admit applies CORS and the per-client rate limit. It reports false once a
// response has been written.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if r.Method == http.MethodOptions && origin != "" && s.cors != nil {
		s.cors.preflight(w, r, origin)
		return false
	}
	if !s.cors.allow(w, origin) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return false
	}
	if !s.limiter.allow(clientAddr(r)) {
		s.metrics.IncRateLimited()
		w.Header().Set("Retry-After", "1")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) observe(route string, r *http.Request, rec *statusWriter, start time.Time) {
	took := time.Since(start)
	s.metrics.ObserveRequest(route, r.Method, rec.code(), took)
	if !s.opts.AccessLog {
		return
	}
	slog.Info("http: request",
		"route", route,
		"method", r.Method,
		"status", rec.code(),
		"bytes", rec.written,
		"dur_ms", took.Milliseconds(),
		"ip", clientAddr(r),
	)
}

// statusWriter remembers the status code and body size written through it.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Unwrap lets http.ResponseController reach the connection underneath.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// compress routes the rest of the response body through gzip.
func (w *statusWriter) compress() *gzipWriter {
	h := w.Header()
	h.Set("Content-Encoding", "gzip")
	h.Add("Vary", "Accept-Encoding")
	h.Del("Content-Length")
	gz := &gzipWriter{ResponseWriter: w.ResponseWriter, zw: gzip.NewWriter(w.ResponseWriter)}
	w.ResponseWriter = gz
	return gz
}

type gzipWriter struct {
	http.ResponseWriter
	zw *gzip.Writer
}

func (g *gzipWriter) Write(b []byte) (int, error) { return g.zw.Write(b) }

func (g *gzipWriter) Flush() {
	_ = g.zw.Flush()
	if f, ok := g.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (g *gzipWriter) Close() error { return g.zw.Close() }

// wantsGzip is false for upgrades and event streams.
func wantsGzip(r *http.Request) bool {
	if r.Header.Get("Upgrade") != "" {
		return false
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return false
	}
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// baseWriter returns the server's own writer so WebSocket upgrades can
// hijack the connection.
func baseWriter(w http.ResponseWriter) http.ResponseWriter {
	if sw, ok := w.(*statusWriter); ok && sw.ResponseWriter != nil {
		return sw.ResponseWriter
	}
	return w
}
