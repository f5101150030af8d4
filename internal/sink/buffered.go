package sink

import (
	"errors"
	"sync"
	"time"

	"github.com/you/ailicia-topchat/internal/core"
)

type Writer interface {
	WriteChat(core.ChatEvent) error
}

// BatchWriter stores several chat events in one round trip.
type BatchWriter interface {
	WriteChats([]core.ChatEvent) error
}

type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

var ErrWriterClosed = errors.New("buffered writer closed")

// BufferedWriter queues archived chat so the session loop does not wait on
// the database for every message. A full batch is written by the caller of
// WriteChat; a partial one is written by the flush timer. A failed timer
// flush is returned from the next WriteChat or Close.
type BufferedWriter struct {
	dst   Writer
	size  int
	every time.Duration

	mu      sync.Mutex
	pending []core.ChatEvent
	timer   *time.Timer
	closed  bool
	failed  error
}

func NewBufferedWriter(dst Writer, opts BufferedOptions) *BufferedWriter {
	size := opts.BatchSize
	if size <= 0 {
		size = 1
	}
	return &BufferedWriter{dst: dst, size: size, every: opts.FlushInterval}
}

func (b *BufferedWriter) WriteChat(ev core.ChatEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrWriterClosed
	}
	earlier := b.takeErrLocked()
	b.pending = append(b.pending, ev)
	if len(b.pending) < b.size {
		if len(b.pending) == 1 && b.every > 0 {
			b.timer = time.AfterFunc(b.every, b.flushTimer)
		}
		b.mu.Unlock()
		return earlier
	}
	batch := b.drainLocked()
	b.mu.Unlock()

	if err := b.store(batch); err != nil {
		return err
	}
	return earlier
}

// Close writes whatever is queued. Later writes fail with ErrWriterClosed.
func (b *BufferedWriter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	batch := b.drainLocked()
	earlier := b.takeErrLocked()
	b.mu.Unlock()

	if err := b.store(batch); err != nil {
		return err
	}
	return earlier
}

func (b *BufferedWriter) flushTimer() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	batch := b.drainLocked()
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := b.store(batch); err != nil {
		b.mu.Lock()
		b.failed = err
		b.mu.Unlock()
	}
}

// drainLocked hands back the queue and disarms the timer.
func (b *BufferedWriter) drainLocked() []core.ChatEvent {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = nil
	return batch
}

func (b *BufferedWriter) takeErrLocked() error {
	err := b.failed
	b.failed = nil
	return err
}

func (b *BufferedWriter) store(batch []core.ChatEvent) error {
	if len(batch) == 0 {
		return nil
	}
	if bw, ok := b.dst.(BatchWriter); ok {
		return bw.WriteChats(batch)
	}
	for _, ev := range batch {
		if err := b.dst.WriteChat(ev); err != nil {
			return err
		}
	}
	return nil
}
