package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/time/rate"
)

const (
	limiterIdle     = 5 * time.Minute
	limiterCapacity = 4096
)

// clientLimiter keeps one token bucket per client address. Buckets idle for
// limiterIdle are evicted. A nil *clientLimiter admits everything.
type clientLimiter struct {
	every rate.Limit
	burst int

	mu      sync.Mutex
	buckets *otter.Cache[string, *rate.Limiter]
}

func newClientLimiter(rps, burst int) *clientLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &clientLimiter{
		every: rate.Limit(rps),
		burst: burst,
		buckets: otter.Must(&otter.Options[string, *rate.Limiter]{
			MaximumSize:      limiterCapacity,
			ExpiryCalculator: otter.ExpiryAccessing[string, *rate.Limiter](limiterIdle),
		}),
	}
}

func (l *clientLimiter) allow(addr string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.buckets.GetIfPresent(addr)
	if !ok {
		bucket = rate.NewLimiter(l.every, l.burst)
		l.buckets.Set(addr, bucket)
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// clientAddr prefers the first X-Forwarded-For hop over the socket peer.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// corsPolicy admits browser origins for the overlay. A nil policy sends no
// CORS headers and lets every request through.
type corsPolicy struct {
	wildcard bool
	origins  []string
}

func newCORSPolicy(origins []string) *corsPolicy {
	p := &corsPolicy{}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
		case o == "*":
			p.wildcard = true
		default:
			p.origins = append(p.origins, strings.TrimRight(o, "/"))
		}
	}
	if !p.wildcard && len(p.origins) == 0 {
		return nil
	}
	return p
}

func (p *corsPolicy) matches(origin string) bool {
	scheme, _, ok := strings.Cut(origin, "://")
	if !ok || (scheme != "http" && scheme != "https") {
		return false
	}
	if p.wildcard {
		return true
	}
	for _, o := range p.origins {
		if o == origin {
			return true
		}
	}
	return false
}

// allow sets the response headers for origin and reports whether the
// request may proceed. Requests without an Origin always proceed.
func (p *corsPolicy) allow(w http.ResponseWriter, origin string) bool {
	if p == nil || origin == "" {
		return true
	}
	if !p.matches(origin) {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	return true
}

func (p *corsPolicy) preflight(w http.ResponseWriter, r *http.Request, origin string) {
	if !p.matches(origin) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	if want := r.Header.Get("Access-Control-Request-Headers"); want != "" {
		h.Set("Access-Control-Allow-Headers", want)
	}
	h.Set("Access-Control-Max-Age", "300")
	h.Add("Vary", "Origin")
	w.WriteHeader(http.StatusNoContent)
}

// originPatterns feeds the WebSocket origin check, which matches hosts.
func (p *corsPolicy) originPatterns() []string {
	if p == nil {
		return nil
	}
	if p.wildcard {
		return []string{"*"}
	}
	hosts := make([]string, 0, len(p.origins))
	for _, o := range p.origins {
		_, host, _ := strings.Cut(o, "://")
		hosts = append(hosts, host)
	}
	return hosts
}
