// Package audit provides the append-only record of activation,
// deactivation and abuse events. Appends are decoupled from the caller's
// response path: the business operation's success is determined solely by
// the state transition, and a failed audit write is reported to an
// operational error hook rather than to the caller.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Action identifies what an audit entry records
type Action string

const (
	ActionActivate   Action = "ACTIVATE"
	ActionDeactivate Action = "DEACTIVATE"
	ActionRevoke     Action = "REVOKE"
	ActionValidate   Action = "VALIDATE"
	ActionIssueToken Action = "ISSUE_TOKEN"
	ActionBlacklist  Action = "BLACKLIST"
	ActionRiskAssess Action = "RISK_ASSESSMENT"
	ActionSweep      Action = "SWEEP_BINDINGS"
)

// Entry is a single immutable audit record. Seq is assigned by the log
// and is strictly monotonic.
type Entry struct {
	Seq       uint64         `json:"seq"`
	Actor     string         `json:"actor"`
	Action    Action         `json:"action"`
	Target    string         `json:"target"`
	Success   bool           `json:"success"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Sink receives completed entries. Implementations must tolerate being
// called from the single writer goroutine.
type Sink interface {
	Write(entry Entry) error
}

// Log is the append-only audit log. Append never blocks the caller beyond
// a buffered channel send; a writer goroutine assigns sequence numbers and
// forwards entries to the sink in order.
type Log struct {
	entries chan Entry
	sink    Sink
	logger  *slog.Logger

	mu     sync.RWMutex
	seq    uint64
	buf    []Entry
	closed bool

	done chan struct{}
	once sync.Once
}

// Option customizes a Log
type Option func(*Log)

// WithSink attaches an external sink in addition to the in-memory buffer
func WithSink(sink Sink) Option {
	return func(l *Log) { l.sink = sink }
}

// NewLog creates an audit log with the given channel capacity and starts
// its writer goroutine
func NewLog(capacity int, logger *slog.Logger, opts ...Option) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity < 1 {
		capacity = 256
	}
	l := &Log{
		entries: make(chan Entry, capacity),
		logger:  logger.With(slog.String("component", "audit_log")),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

// Append queues an entry for the writer goroutine. It is fire-and-forget:
// when the buffer is full the entry is dropped and the drop is logged at
// high severity, but the caller's operation is never failed. At-least-once
// delivery is not promised across process restarts.
func (l *Log) Append(ctx context.Context, entry Entry) {
	entry.Timestamp = time.Now()

	// Holding the read lock across the send keeps Close from closing the
	// channel mid-send; the send itself cannot block thanks to the default.
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.logger.ErrorContext(ctx, "audit append after close, entry dropped",
			slog.String("action", string(entry.Action)),
			slog.String("target", entry.Target),
		)
		return
	}

	select {
	case l.entries <- entry:
	default:
		l.logger.ErrorContext(ctx, "audit buffer full, entry dropped",
			slog.String("action", string(entry.Action)),
			slog.String("target", entry.Target),
		)
	}
}

// run is the single writer: it assigns sequence numbers, retains entries
// in order and forwards them to the sink
func (l *Log) run() {
	defer close(l.done)
	for entry := range l.entries {
		l.mu.Lock()
		l.seq++
		entry.Seq = l.seq
		l.buf = append(l.buf, entry)
		l.mu.Unlock()

		if l.sink != nil {
			if err := l.sink.Write(entry); err != nil {
				l.logger.Error("audit sink write failed",
					slog.Uint64("seq", entry.Seq),
					slog.String("action", string(entry.Action)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Query returns entries with Seq > afterSeq, up to limit, oldest first.
// A limit <= 0 means no limit.
func (l *Log) Query(afterSeq uint64, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.buf {
		if e.Seq > afterSeq {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// QueryByTarget returns the most recent entries for a target, newest last
func (l *Log) QueryByTarget(target string, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.buf {
		if e.Target == target {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the number of entries written so far
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buf)
}

// Close stops the writer after draining queued entries
func (l *Log) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.entries)
		<-l.done
	})
}
