package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"keybridge.io/internal/ids"
	"keybridge.io/internal/obs"
)

// Entry outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// ClientContext captures where a request came from.
type ClientContext struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Entry is one append-only audit record. It is never mutated once recorded.
type Entry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"ts"`
	Action    string            `json:"action"`
	SubjectID string            `json:"subject_id,omitempty"`
	Outcome   string            `json:"outcome"`
	ErrorKind string            `json:"error_kind,omitempty"`
	Client    ClientContext     `json:"client,omitzero"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Log keeps a bounded in-memory ring of recent entries and feeds a durable
// sink through a background flusher. Reads consult only the ring; the sink
// is write-only from this side.
type Log struct {
	capacity   int
	maxPending int
	interval   time.Duration
	clock      func() time.Time
	sink       Sink

	mu      sync.Mutex
	ring    []Entry
	start   int
	size    int
	pending []Entry

	subsMu  sync.RWMutex
	subs    map[int]chan Entry
	nextSub int

	flushCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Log.
type Option func(*Log)

// WithCapacity bounds the in-memory ring.
func WithCapacity(n int) Option {
	return func(l *Log) { l.capacity = n }
}

// WithFlushInterval overrides the periodic sink flush.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Log) { l.interval = d }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// New creates a Log writing to sink and starts the flusher. The sink's
// lifetime belongs to the caller; Close drains but does not close it.
func New(sink Sink, opts ...Option) *Log {
	l := &Log{
		capacity: 1024,
		interval: 5 * time.Second,
		clock:    time.Now,
		sink:     sink,
		subs:     make(map[int]chan Entry),
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sink == nil {
		l.sink = NopSink{}
	}
	l.ring = make([]Entry, l.capacity)
	l.maxPending = 4 * l.capacity

	l.wg.Add(1)
	go l.flushLoop()
	return l
}

// Close drains pending entries to the sink and stops the flusher.
func (l *Log) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
	})
}

// Record appends an entry and schedules a durable flush.
func (l *Log) Record(e Entry) {
	l.add(e, false)
}

// RecordCritical appends an entry and forces an immediate flush. Used for
// the events that matter most in incident response: verification results,
// invalid secrets, rate-limit denials.
func (l *Log) RecordCritical(e Entry) {
	l.add(e, true)
}

func (l *Log) add(e Entry, critical bool) {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}

	l.mu.Lock()
	l.pushLocked(e)
	l.pending = append(l.pending, e)
	if over := len(l.pending) - l.maxPending; over > 0 {
		l.pending = append([]Entry(nil), l.pending[over:]...)
		obs.AuditEntriesDropped(over)
		log.Printf("audit: dropped %d entries before durable write", over)
	}
	l.mu.Unlock()

	l.publish(e)

	if critical {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, l.ring[(l.start+l.size-1-i)%l.capacity])
	}
	return out
}

// ForSubject returns up to limit entries for one subject, newest first.
func (l *Log) ForSubject(subjectID string, limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for i := 0; i < l.size; i++ {
		e := l.ring[(l.start+l.size-1-i)%l.capacity]
		if e.SubjectID != subjectID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Watch registers a subscriber for live entries. The channel closes when
// the context ends. Slow subscribers miss entries rather than block writes.
func (l *Log) Watch(ctx context.Context) <-chan Entry {
	ch := make(chan Entry, 16)

	l.subsMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		l.subsMu.Lock()
		delete(l.subs, id)
		close(ch)
		l.subsMu.Unlock()
	}()

	return ch
}

// Flush writes pending entries to the sink. On failure the batch is
// requeued and retried on the next tick; callers never see the error.
func (l *Log) Flush(ctx context.Context) {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := l.sink.Write(ctx, batch); err != nil {
		log.Printf("audit flush failed: %v", err)
		obs.AuditFlushFailed()
		l.mu.Lock()
		l.pending = append(batch, l.pending...)
		l.mu.Unlock()
	}
}

func (l *Log) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			l.Flush(context.Background())
			return
		case <-ticker.C:
			l.Flush(context.Background())
		case <-l.flushCh:
			l.Flush(context.Background())
		}
	}
}

// pushLocked appends to the ring, overwriting the oldest entry once full.
func (l *Log) pushLocked(e Entry) {
	if l.size < l.capacity {
		l.ring[(l.start+l.size)%l.capacity] = e
		l.size++
		return
	}
	l.ring[l.start] = e
	l.start = (l.start + 1) % l.capacity
}

func (l *Log) publish(e Entry) {
	l.subsMu.RLock()
	defer l.subsMu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
