package command

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Default lifecycle windows.
const (
	DefaultTimeout    = 5 * time.Minute
	DefaultRetention  = time.Hour
	DefaultDurationMS = 3000
)

// Logger defines the logging interface used by the Queue.
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

// Config controls queue behaviour. Zero fields fall back to defaults.
type Config struct {
	// Timeout is how long a command may stay pending before it times out.
	Timeout time.Duration

	// DefaultDurationMS is applied when a submission omits the duration.
	DefaultDurationMS int

	// OnTimeout is called, outside any queue lock, after the timer moved a
	// command to StatusTimeout.
	OnTimeout func(Command)

	// Now overrides the clock used for timestamps and identifiers.
	Now func() time.Time
}

// entry is a queued command plus its outstanding timer. The timer is nil
// once the command is terminal.
type entry struct {
	cmd   Command
	timer *time.Timer
}

// deviceQueue is the ordered command list of one device.
type deviceQueue struct {
	mu      sync.Mutex
	entries []*entry
}

// Queue holds one ordered command list per device and drives each command
// through its lifecycle.
//
// Locking: mu guards the device map and the id index; each deviceQueue has
// its own mutex guarding its entries. mu is always taken before a device
// lock, never after. Hooks run with no lock held.
type Queue struct {
	mu      sync.RWMutex
	devices map[string]*deviceQueue
	index   map[int64]string

	timeout         time.Duration
	defaultDuration int
	onTimeout       func(Command)
	now             func() time.Time
	lastID          atomic.Int64
	logger          Logger
}

// NewQueue creates an empty queue.
func NewQueue(cfg Config) *Queue {
	q := &Queue{
		devices:         make(map[string]*deviceQueue),
		index:           make(map[int64]string),
		timeout:         cfg.Timeout,
		defaultDuration: cfg.DefaultDurationMS,
		onTimeout:       cfg.OnTimeout,
		now:             cfg.Now,
		logger:          noopLogger{},
	}
	if q.timeout <= 0 {
		q.timeout = DefaultTimeout
	}
	if q.defaultDuration <= 0 {
		q.defaultDuration = DefaultDurationMS
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// SetLogger sets the logger for the queue.
func (q *Queue) SetLogger(logger Logger) {
	q.logger = logger
}

// SetTimeoutHook replaces the hook called when a command times out.
// It must be set before the first Submit.
func (q *Queue) SetTimeoutHook(fn func(Command)) {
	q.onTimeout = fn
}

// Submit validates and enqueues a new pending command and arms its timeout
// timer.
func (q *Queue) Submit(req SubmitRequest) (Command, error) {
	if req.DeviceID == "" {
		return Command{}, fmt.Errorf("%w: device id is required", ErrValidation)
	}
	if !req.Kind.Valid() {
		return Command{}, fmt.Errorf("%w: %w: %q", ErrValidation, ErrUnknownKind, req.Kind)
	}

	value := req.Kind.DefaultValue()
	if req.Value != nil {
		value = *req.Value
	}
	duration := q.defaultDuration
	if req.DurationMS != nil {
		if *req.DurationMS < 0 {
			return Command{}, fmt.Errorf("%w: duration must not be negative", ErrValidation)
		}
		duration = *req.DurationMS
	}

	now := q.now()
	cmd := Command{
		DeviceID:   req.DeviceID,
		Kind:       req.Kind,
		Value:      value,
		DurationMS: duration,
		Status:     StatusPending,
		CreatedAt:  now,
		IssuedBy:   req.IssuedBy,
	}

	q.mu.Lock()
	dq, ok := q.devices[req.DeviceID]
	if !ok {
		dq = &deviceQueue{}
		q.devices[req.DeviceID] = dq
	}
	dq.mu.Lock()
	// Assigned under the device lock so queue order matches ID order.
	cmd.ID = q.nextID(now)
	q.index[cmd.ID] = req.DeviceID
	q.mu.Unlock()

	e := &entry{cmd: cmd}
	deviceID, id := cmd.DeviceID, cmd.ID
	e.timer = time.AfterFunc(q.timeout, func() { q.expire(deviceID, id) })
	dq.entries = append(dq.entries, e)
	dq.mu.Unlock()

	q.logger.Debug("command queued",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"kind", cmd.Kind,
		"value", cmd.Value,
	)
	return cmd, nil
}

// nextID derives an identifier from the Unix millisecond clock, bumped to
// stay strictly increasing within the process.
func (q *Queue) nextID(now time.Time) int64 {
	for {
		last := q.lastID.Load()
		id := now.UnixMilli()
		if id <= last {
			id = last + 1
		}
		if q.lastID.CompareAndSwap(last, id) {
			return id
		}
	}
}

// expire is the timer body. It only acts when the command is still pending.
func (q *Queue) expire(deviceID string, id int64) {
	dq := q.deviceQueue(deviceID)
	if dq == nil {
		return
	}

	dq.mu.Lock()
	e := dq.find(id)
	if e == nil || e.cmd.Status.IsTerminal() {
		dq.mu.Unlock()
		return
	}
	q.transition(e, StatusTimeout, q.now())
	cmd := e.cmd
	dq.mu.Unlock()

	q.logger.Warn("command timed out",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"kind", cmd.Kind,
		"after", q.timeout,
	)
	if q.onTimeout != nil {
		q.onTimeout(cmd)
	}
}

// transition moves a pending entry to a terminal status. Caller holds the
// device lock and has checked the entry is pending.
func (q *Queue) transition(e *entry, status Status, at time.Time) {
	e.cmd.Status = status
	completed := at
	e.cmd.CompletedAt = &completed
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// ReportOutcome records a device-reported result.
//
// A pending command moves to completed or failed and changed is true. A
// command that is already terminal is returned unchanged with changed false,
// which makes retried reports idempotent.
func (q *Queue) ReportOutcome(deviceID string, commandID int64, success bool) (Command, bool, error) {
	dq := q.deviceQueue(deviceID)
	if dq == nil {
		return Command{}, false, fmt.Errorf("%w: device %s has no commands", ErrNotFound, deviceID)
	}

	dq.mu.Lock()
	defer dq.mu.Unlock()

	e := dq.find(commandID)
	if e == nil {
		return Command{}, false, fmt.Errorf("%w: command %d for device %s", ErrNotFound, commandID, deviceID)
	}
	if e.cmd.Status.IsTerminal() {
		return e.cmd, false, nil
	}

	status := StatusFailed
	if success {
		status = StatusCompleted
	}
	q.transition(e, status, q.now())
	return e.cmd, true, nil
}

// DrainPending hands every pending command of a device to the caller, in
// submission order, and marks each completed at hand-off. The returned
// commands carry their post-hand-off state.
func (q *Queue) DrainPending(deviceID string) []Command {
	dq := q.deviceQueue(deviceID)
	if dq == nil {
		return []Command{}
	}

	dq.mu.Lock()
	defer dq.mu.Unlock()

	now := q.now()
	drained := []Command{}
	for _, e := range dq.entries {
		if e.cmd.Status != StatusPending {
			continue
		}
		q.transition(e, StatusCompleted, now)
		drained = append(drained, e.cmd)
	}
	return drained
}

// MarkPushed stamps PushedAt on pending commands that have not been pushed
// yet and returns them in submission order. Statuses are left pending.
func (q *Queue) MarkPushed(deviceID string) []Command {
	dq := q.deviceQueue(deviceID)
	if dq == nil {
		return []Command{}
	}

	dq.mu.Lock()
	defer dq.mu.Unlock()

	now := q.now()
	pushed := []Command{}
	for _, e := range dq.entries {
		if e.cmd.Status != StatusPending || e.cmd.PushedAt != nil {
			continue
		}
		at := now
		e.cmd.PushedAt = &at
		pushed = append(pushed, e.cmd)
	}
	return pushed
}

// Sweep removes terminal commands created more than retention before now and
// returns how many were removed. Pending commands are kept regardless of age.
func (q *Queue) Sweep(now time.Time, retention time.Duration) int {
	cutoff := now.Add(-retention)

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for _, dq := range q.devices {
		dq.mu.Lock()
		kept := dq.entries[:0]
		for _, e := range dq.entries {
			if e.cmd.Status.IsTerminal() && e.cmd.CreatedAt.Before(cutoff) {
				if e.timer != nil {
					e.timer.Stop()
					e.timer = nil
				}
				delete(q.index, e.cmd.ID)
				removed++
				continue
			}
			kept = append(kept, e)
		}
		for i := len(kept); i < len(dq.entries); i++ {
			dq.entries[i] = nil
		}
		dq.entries = kept
		dq.mu.Unlock()
	}

	if removed > 0 {
		q.logger.Debug("swept expired commands", "removed", removed)
	}
	return removed
}

// Get returns a command by identifier.
func (q *Queue) Get(commandID int64) (Command, error) {
	q.mu.RLock()
	deviceID, ok := q.index[commandID]
	dq := q.devices[deviceID]
	q.mu.RUnlock()
	if !ok || dq == nil {
		return Command{}, fmt.Errorf("%w: command %d", ErrNotFound, commandID)
	}

	dq.mu.Lock()
	defer dq.mu.Unlock()
	if e := dq.find(commandID); e != nil {
		return e.cmd, nil
	}
	return Command{}, fmt.Errorf("%w: command %d", ErrNotFound, commandID)
}

// List returns all retained commands of a device in submission order.
func (q *Queue) List(deviceID string) []Command {
	return q.collect(deviceID, func(Command) bool { return true })
}

// Pending returns the pending commands of a device in submission order
// without changing them.
func (q *Queue) Pending(deviceID string) []Command {
	return q.collect(deviceID, func(c Command) bool { return c.Status == StatusPending })
}

// PendingAll returns the pending commands of every device that has any.
func (q *Queue) PendingAll() map[string][]Command {
	q.mu.RLock()
	ids := make([]string, 0, len(q.devices))
	for id := range q.devices {
		ids = append(ids, id)
	}
	q.mu.RUnlock()

	out := make(map[string][]Command)
	for _, id := range ids {
		if pending := q.Pending(id); len(pending) > 0 {
			out[id] = pending
		}
	}
	return out
}

// Stats returns counts by status across all devices.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := Stats{Devices: len(q.devices)}
	for _, dq := range q.devices {
		dq.mu.Lock()
		for _, e := range dq.entries {
			stats.Total++
			switch e.cmd.Status {
			case StatusPending:
				stats.Pending++
			case StatusCompleted:
				stats.Completed++
			case StatusFailed:
				stats.Failed++
			case StatusTimeout:
				stats.Timeout++
			}
		}
		dq.mu.Unlock()
	}
	return stats
}

// Close stops every outstanding timer. Pending commands stay pending.
func (q *Queue) Close() {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, dq := range q.devices {
		dq.mu.Lock()
		for _, e := range dq.entries {
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
		}
		dq.mu.Unlock()
	}
}

func (q *Queue) deviceQueue(deviceID string) *deviceQueue {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.devices[deviceID]
}

func (q *Queue) collect(deviceID string, keep func(Command) bool) []Command {
	dq := q.deviceQueue(deviceID)
	if dq == nil {
		return []Command{}
	}

	dq.mu.Lock()
	defer dq.mu.Unlock()

	out := []Command{}
	for _, e := range dq.entries {
		if keep(e.cmd) {
			out = append(out, e.cmd)
		}
	}
	return out
}

// find returns the entry with the given id. Caller holds dq.mu.
func (dq *deviceQueue) find(id int64) *entry {
	for _, e := range dq.entries {
		if e.cmd.ID == id {
			return e
		}
	}
	return nil
}
