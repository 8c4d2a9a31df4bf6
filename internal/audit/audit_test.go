package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// captureSink records batches and signals each write.
type captureSink struct {
	mu      sync.Mutex
	batches [][]Entry
	failing bool
	wrote   chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{wrote: make(chan struct{}, 16)}
}

func (s *captureSink) Write(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("sink down")
	}
	batch := make([]Entry, len(entries))
	copy(batch, entries)
	s.batches = append(s.batches, batch)
	select {
	case s.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *captureSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestRecordAndRecent(t *testing.T) {
	l := New(NopSink{}, WithFlushInterval(time.Hour))
	defer l.Close()

	l.Record(Entry{Action: "token.issue", SubjectID: "1"})
	l.Record(Entry{Action: "token.consume", SubjectID: "1"})
	l.Record(Entry{Action: "code.issue", SubjectID: "2"})

	got := l.Recent(2)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Action != "code.issue" || got[1].Action != "token.consume" {
		t.Fatalf("order wrong: %s, %s", got[0].Action, got[1].Action)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Fatalf("entry not stamped: %+v", got[0])
	}
	if got[0].Outcome != OutcomeSuccess {
		t.Fatalf("default outcome = %q", got[0].Outcome)
	}
}

func TestRingDropsOldest(t *testing.T) {
	l := New(NopSink{}, WithCapacity(4), WithFlushInterval(time.Hour))
	defer l.Close()

	for _, a := range []string{"a", "b", "c", "d", "e", "f"} {
		l.Record(Entry{Action: a})
	}

	got := l.Recent(0)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[0].Action != "f" || got[3].Action != "c" {
		t.Fatalf("ring contents wrong: newest=%s oldest=%s", got[0].Action, got[3].Action)
	}
}

func TestForSubject(t *testing.T) {
	l := New(NopSink{}, WithFlushInterval(time.Hour))
	defer l.Close()

	l.Record(Entry{Action: "token.issue", SubjectID: "7"})
	l.Record(Entry{Action: "token.issue", SubjectID: "8"})
	l.Record(Entry{Action: "token.consume", SubjectID: "7"})

	got := l.ForSubject("7", 0)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Action != "token.consume" {
		t.Fatalf("newest first violated: %s", got[0].Action)
	}
	if limited := l.ForSubject("7", 1); len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}
}

func TestCriticalFlushesImmediately(t *testing.T) {
	sink := newCaptureSink()
	l := New(sink, WithFlushInterval(time.Hour))
	defer l.Close()

	l.RecordCritical(Entry{Action: "token.consume", Outcome: OutcomeFailed, ErrorKind: "not_found"})

	select {
	case <-sink.wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("critical entry not flushed")
	}
	if sink.total() != 1 {
		t.Fatalf("flushed %d entries, want 1", sink.total())
	}
}

func TestPeriodicFlush(t *testing.T) {
	sink := newCaptureSink()
	l := New(sink, WithFlushInterval(10*time.Millisecond))
	defer l.Close()

	l.Record(Entry{Action: "token.issue"})

	select {
	case <-sink.wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("periodic flush did not run")
	}
}

func TestFlushFailureRequeues(t *testing.T) {
	sink := newCaptureSink()
	sink.setFailing(true)
	l := New(sink, WithFlushInterval(time.Hour))
	defer l.Close()

	l.Record(Entry{Action: "a"})
	l.Record(Entry{Action: "b"})

	l.Flush(context.Background())
	if sink.total() != 0 {
		t.Fatal("failing sink accepted entries")
	}

	sink.setFailing(false)
	l.Flush(context.Background())
	if sink.total() != 2 {
		t.Fatalf("flushed %d entries after recovery, want 2", sink.total())
	}

	// Nothing left to flush.
	l.Flush(context.Background())
	if sink.total() != 2 {
		t.Fatalf("duplicate flush: %d", sink.total())
	}
}

func TestPendingBounded(t *testing.T) {
	sink := newCaptureSink()
	sink.setFailing(true)
	l := New(sink, WithCapacity(2), WithFlushInterval(time.Hour))
	defer l.Close()

	for i := 0; i < 20; i++ {
		l.Record(Entry{Action: "x"})
	}

	l.mu.Lock()
	n := len(l.pending)
	l.mu.Unlock()
	if n != 8 {
		t.Fatalf("pending = %d, want bounded at 8", n)
	}
}

func TestCloseDrains(t *testing.T) {
	sink := newCaptureSink()
	l := New(sink, WithFlushInterval(time.Hour))

	l.Record(Entry{Action: "token.issue"})
	l.Close()

	if sink.total() != 1 {
		t.Fatalf("close flushed %d entries, want 1", sink.total())
	}
}

func TestWatch(t *testing.T) {
	l := New(NopSink{}, WithFlushInterval(time.Hour))
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := l.Watch(ctx)

	l.Record(Entry{Action: "claim.resolve", SubjectID: "5"})

	select {
	case e := <-ch:
		if e.Action != "claim.resolve" || e.SubjectID != "5" {
			t.Fatalf("unexpected entry: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher received nothing")
	}

	cancel()
	if _, open := <-ch; open {
		// A buffered entry may arrive first; drain until close.
		for range ch {
		}
	}
}
