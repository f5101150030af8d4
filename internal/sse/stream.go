// Package sse is a reconnecting server-sent events client.
package sse

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrStreamEnded reports that the server closed the body while the stream was
// still wanted.
var ErrStreamEnded = errors.New("sse: stream ended")

// ErrGaveUp is reported once the reconnect ceiling is reached.
var ErrGaveUp = errors.New("sse: reconnect attempts exhausted")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sse: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("sse: unexpected status %d: %s", e.Code, e.Body)
}

type State string

const (
	StateConnecting   State = "connecting"
	StateReconnecting State = "reconnecting"
	StateOpen         State = "open"
	StateClosed       State = "closed"
)

// Handlers are invoked from the stream goroutine. Any of them may be nil.
type Handlers struct {
	// OnFrame receives frames whose event is "message".
	OnFrame func(Frame)
	// OnDrop receives frames filtered out before OnFrame.
	OnDrop      func(reason string, f Frame)
	OnError     func(error)
	OnOpen      func()
	OnClose     func()
	OnReconnect func(attempt int, delay time.Duration)
	OnState     func(State)
}

type Config struct {
	URL    string
	Header http.Header
	Policy Policy
	// Client must not set a Timeout; the body stays open indefinitely.
	Client *http.Client
	// Rand returns jitter samples in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
	// DebugDrops logs every dropped frame instead of periodic summaries only.
	DebugDrops bool
	// MaxFrameBytes bounds one undelimited block; zero means
	// DefaultMaxBuffered.
	MaxFrameBytes int
}

// Stream is a handle on a running connection loop.
type Stream struct {
	cfg Config
	h   Handlers

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	drops *dropLogger
}

// Open starts connecting in the background and returns immediately.
func Open(cfg Config, h Handlers) *Stream {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		cfg:    cfg,
		h:      h,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		drops:  newDropLogger(time.Now(), cfg.DebugDrops || readDropDebugEnv(), dropSummaryInterval),
	}
	go s.run()
	return s
}

// Close aborts the in-flight request and any pending reconnect. It is safe to
// call more than once; OnClose fires exactly once per stream.
func (s *Stream) Close() {
	s.finish()
}

// Done is closed when the connection loop has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) finish() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.h.OnState != nil {
			s.h.OnState(StateClosed)
		}
		if s.h.OnClose != nil {
			s.h.OnClose()
		}
	})
}

func (s *Stream) run() {
	defer close(s.done)
	defer s.finish()
	defer func() { s.drops.flush(time.Now()) }()

	attempt := 0
	for {
		if s.ctx.Err() != nil {
			return
		}
		if attempt == 0 {
			s.setState(StateConnecting)
		} else {
			s.setState(StateReconnecting)
		}

		err := s.runOnce(func() {
			attempt = 0
			s.setState(StateOpen)
			if s.h.OnOpen != nil {
				s.h.OnOpen()
			}
		})
		if s.ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrStreamEnded) {
			slog.Info("sse: stream ended by server", "url", redactURL(s.cfg.URL))
		} else if err != nil {
			slog.Warn("sse: connection failed", "url", redactURL(s.cfg.URL), "err", err)
			s.emitError(err)
		}

		if !s.cfg.Policy.Enabled {
			return
		}
		attempt++
		if s.cfg.Policy.Exhausted(attempt) {
			slog.Warn("sse: giving up", "attempts", attempt-1)
			s.emitError(ErrGaveUp)
			return
		}

		delay := s.cfg.Policy.Delay(attempt, s.cfg.Rand)
		slog.Info("sse: reconnecting", "attempt", attempt, "delay", delay)
		if s.h.OnReconnect != nil {
			s.h.OnReconnect(attempt, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Stream) runOnce(onOpen func()) error {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return errors.Wrap(err, "sse: build request")
	}
	for k, vs := range s.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/event-stream")
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sse: connect")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	onOpen()

	dec := Decoder{MaxBuffered: s.cfg.MaxFrameBytes}
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(buf[:n]) {
				s.dispatch(frame)
			}
			if lost := dec.TakeOverflows(); lost > 0 {
				s.overflow(lost)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return ErrStreamEnded
			}
			return errors.Wrap(readErr, "sse: read")
		}
	}
}

func (s *Stream) dispatch(f Frame) {
	if s.ctx.Err() != nil {
		return
	}
	reason := ""
	switch {
	case f.Event != defaultEvent:
		reason = "non_message"
	case f.Data == "":
		reason = "empty_data"
	}
	if reason != "" {
		s.drops.note(time.Now(), reason, f)
		if s.h.OnDrop != nil {
			s.h.OnDrop(reason, f)
		}
		return
	}
	if s.h.OnFrame != nil {
		s.h.OnFrame(f)
	}
}

// overflow reports blocks the decoder discarded as parse drops.
func (s *Stream) overflow(lost int) {
	if s.ctx.Err() != nil {
		return
	}
	slog.Warn("sse: frame exceeded buffer limit", "url", redactURL(s.cfg.URL), "discarded", lost)
	for range lost {
		s.drops.note(time.Now(), "parse", Frame{})
		if s.h.OnDrop != nil {
			s.h.OnDrop("parse", Frame{})
		}
	}
}

func (s *Stream) emitError(err error) {
	if s.h.OnError != nil && s.ctx.Err() == nil {
		s.h.OnError(err)
	}
}

func (s *Stream) setState(state State) {
	if s.h.OnState != nil && s.ctx.Err() == nil {
		s.h.OnState(state)
	}
}

func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
