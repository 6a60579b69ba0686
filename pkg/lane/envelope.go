package lane

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Result is the terminal outcome delivered through a Handle.
type Result struct {
	Value interface{}
	Err   error
}

// Handle is the caller's view of a submitted command. It resolves exactly
// once, to a value or a terminal error.
type Handle struct {
	taskID string
	lane   string
	done   chan struct{}
	once   sync.Once
	result Result
}

func newHandle(taskID, laneName string) *Handle {
	return &Handle{taskID: taskID, lane: laneName, done: make(chan struct{})}
}

// TaskID returns the task's unique id.
func (h *Handle) TaskID() string { return h.taskID }

// Lane returns the lane the task was submitted to.
func (h *Handle) Lane() string { return h.lane }

// Done is closed when the handle has resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-h.done:
		return h.result.Value, h.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) resolve(value interface{}, err error) {
	h.once.Do(func() {
		h.result = Result{Value: value, Err: err}
		close(h.done)
	})
}

// Attempt records one execution attempt for retry history and DLQ entries.
type Attempt struct {
	Number    int           `json:"number"`
	StartedAt time.Time     `json:"started_at"`
	Latency   time.Duration `json:"latency"`
	Outcome   string        `json:"outcome"` // succeeded, timeout, error, cancelled
	Error     string        `json:"error,omitempty"`
}

// envelope wraps a Command with scheduling metadata. It lives in exactly one
// of pending (on a lane heap), running, or terminal state.
type envelope struct {
	id       string
	laneName string
	cmd      Command
	ctx      context.Context

	seq         uint64
	enqueuedAt  time.Time
	lastBoostAt time.Time

	// attempt counts completed attempts; the running attempt is attempt+1.
	attempt int
	history []Attempt

	// effPriority starts at the lane's rank and only ever decreases
	// numerically (rises in urgency) through aging. Guarded by the lane lock
	// while pending.
	effPriority int

	handle    *Handle
	heapIndex int

	cancelled atomic.Bool

	mu        sync.Mutex
	runCancel context.CancelFunc
}

func (e *envelope) setRunCancel(cancel context.CancelFunc) {
	e.mu.Lock()
	e.runCancel = cancel
	e.mu.Unlock()
}

func (e *envelope) clearRunCancel() {
	e.mu.Lock()
	e.runCancel = nil
	e.mu.Unlock()
}

// requestCancel sets the cooperative cancellation flag and, if the envelope
// is mid-attempt, cancels its run context.
func (e *envelope) requestCancel() {
	e.cancelled.Store(true)
	e.mu.Lock()
	cancel := e.runCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *envelope) recordAttempt(a Attempt) {
	e.history = append(e.history, a)
}

// pendingHeap orders envelopes by (effective priority, submission sequence).
// Implements container/heap.
type pendingHeap []*envelope

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].effPriority != h[j].effPriority {
		return h[i].effPriority < h[j].effPriority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *pendingHeap) Push(x interface{}) {
	env := x.(*envelope)
	env.heapIndex = len(*h)
	*h = append(*h, env)
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	env := old[n-1]
	old[n-1] = nil
	env.heapIndex = -1
	*h = old[:n-1]
	return env
}
