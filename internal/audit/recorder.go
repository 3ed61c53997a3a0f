package audit

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/growlink-core/internal/command"
)

// DefaultBuffer is the recorder queue depth used when none is configured.
const DefaultBuffer = 1024

// SourceGateway is the source stamped on entries written by the gateway.
const SourceGateway = "gateway"

// writeTimeout bounds a single insert.
const writeTimeout = 5 * time.Second

// Logger defines the logging interface used by the Recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder writes command audit entries asynchronously.
type Recorder struct {
	repo    Repository
	queue   chan *AuditLog
	logger  Logger
	dropped atomic.Uint64
	written atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRecorder creates a recorder and starts its writer goroutine.
func NewRecorder(repo Repository, buffer int, logger Logger) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = noopLogger{}
	}
	r := &Recorder{
		repo:   repo,
		queue:  make(chan *AuditLog, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// RecordCommand queues an entry describing a command lifecycle action.
// It never blocks; when the queue is full the entry is dropped.
func (r *Recorder) RecordCommand(cmd command.Command, action string) {
	entry := &AuditLog{
		Action:     action,
		EntityType: EntityCommand,
		EntityID:   strconv.FormatInt(cmd.ID, 10),
		DeviceID:   cmd.DeviceID,
		UserID:     cmd.IssuedBy,
		Source:     SourceGateway,
		Details: map[string]any{
			"kind":     string(cmd.Kind),
			"value":    cmd.Value,
			"duration": cmd.DurationMS,
			"status":   string(cmd.Status),
		},
		CreatedAt: time.Now().UTC(),
	}
	if cmd.PushedAt != nil {
		entry.Details["pushed_at"] = cmd.PushedAt.UTC().Format(time.RFC3339Nano)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- entry:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("audit queue full, dropping entries", "dropped", n)
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := r.repo.Create(ctx, entry)
		cancel()
		if err != nil {
			r.logger.Error("writing audit entry failed",
				"action", entry.Action,
				"entity_id", entry.EntityID,
				"error", err,
			)
			continue
		}
		r.written.Add(1)
	}
}

// Close stops accepting entries and waits until queued entries are written
// or ctx expires.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many entries were dropped because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Written returns how many entries were stored.
func (r *Recorder) Written() uint64 {
	return r.written.Load()
}
