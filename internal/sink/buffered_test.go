package sink

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/you/ailicia-topchat/internal/core"
)

type recordingWriter struct {
	mu        sync.Mutex
	events    []core.ChatEvent
	failAfter int
	calls     int
}

func (r *recordingWriter) WriteChat(ev core.ChatEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failAfter > 0 && r.calls >= r.failAfter {
		return fmt.Errorf("boom")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingWriter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBufferedWriterBatchFlush(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 2, FlushInterval: time.Hour})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := bw.WriteChat(core.ChatEvent{ID: "1"}); err != nil {
		t.Fatalf("write1: %v", err)
	}
	if base.Count() != 0 {
		t.Fatalf("expected no flush yet")
	}
	if err := bw.WriteChat(core.ChatEvent{ID: "2"}); err != nil {
		t.Fatalf("write2: %v", err)
	}
	if base.Count() != 2 {
		t.Fatalf("expected batch flush, got %d", base.Count())
	}
}

func TestBufferedWriterFlushInterval(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 10, FlushInterval: 20 * time.Millisecond})
	defer func() {
		if err := bw.Close(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}()

	if err := bw.WriteChat(core.ChatEvent{ID: "interval"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for base.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected timer flush, got %d", base.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBufferedWriterCloseFlushesAndRejects(t *testing.T) {
	base := &recordingWriter{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 10})
	_ = bw.WriteChat(core.ChatEvent{ID: "a"})
	_ = bw.WriteChat(core.ChatEvent{ID: "b"})
	if err := bw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if base.Count() != 2 {
		t.Fatalf("expected close to flush, got %d", base.Count())
	}
	if err := bw.WriteChat(core.ChatEvent{ID: "c"}); err != ErrWriterClosed {
		t.Fatalf("expected ErrWriterClosed, got %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestBufferedWriterErrorPropagation(t *testing.T) {
	base := &recordingWriter{failAfter: 1}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 1})
	defer func() {
		_ = bw.Close()
	}()

	if err := bw.WriteChat(core.ChatEvent{ID: "err"}); err == nil {
		t.Fatalf("expected error from underlying writer")
	}
}

type recordingBatch struct {
	recordingWriter
	batches [][]core.ChatEvent
}

func (r *recordingBatch) WriteChats(batch []core.ChatEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	r.events = append(r.events, batch...)
	return nil
}

func TestBufferedWriterUsesBatchWrites(t *testing.T) {
	base := &recordingBatch{}
	bw := NewBufferedWriter(base, BufferedOptions{BatchSize: 3, FlushInterval: time.Hour})
	for _, id := range []string{"1", "2", "3", "4"} {
		if err := bw.WriteChat(core.ChatEvent{ID: id}); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if base.calls != 0 {
		t.Fatalf("expected no single-event writes, got %d", base.calls)
	}
	if len(base.batches) != 2 || len(base.batches[0]) != 3 || len(base.batches[1]) != 1 {
		t.Fatalf("unexpected batches: %v", base.batches)
	}
}
