package session

import (
	"context"
	"time"

	"github.com/you/ailicia-topchat/internal/telemetry"
)

// post queues fn for the loop goroutine. It reports false once the loop has
// exited.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.tasks <- fn:
		return true
	case <-s.done:
		return false
	}
}

// postGen is post for stream callbacks: work from a superseded stream is
// dropped both before queueing and again when it runs.
func (s *Session) postGen(gen uint64, fn func()) {
	if s.gen.Load() != gen {
		return
	}
	s.post(func() {
		if s.gen.Load() != gen {
			return
		}
		fn()
	})
}

// call runs fn on the loop and waits for it.
func (s *Session) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() {
		fn()
		close(finished)
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// loopAdapter lets the coordinator schedule work on the session loop.
type loopAdapter struct {
	s *Session
}

func (l loopAdapter) Now() time.Time { return l.s.now() }

func (l loopAdapter) Go(call func(context.Context) error, done func(error)) {
	parent := l.s.runCtx
	if parent == nil {
		parent = context.Background()
	}
	parent = telemetry.WithSession(parent, l.s.id)
	timeout := l.s.opts.CallTimeout
	go func() {
		ctx, cancel := context.WithTimeout(parent, timeout)
		err := call(ctx)
		cancel()
		l.s.post(func() { done(err) })
	}()
}

func (l loopAdapter) AfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, func() { l.s.post(fn) })
	return t.Stop
}
