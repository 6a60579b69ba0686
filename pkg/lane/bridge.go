package lane

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LaneMode selects how envelopes admitted in a lane are executed. The mode
// set is fixed and known at configuration time.
type LaneMode int

const (
	// ModeInternal runs commands directly in the execution pipeline.
	ModeInternal LaneMode = iota
	// ModeExternal parks envelopes for an out-of-process worker to claim
	// via PendingTasks and resolve via CompleteTask.
	ModeExternal
	// ModeHybrid runs commands internally while emitting external
	// notification events for observers.
	ModeHybrid
)

func (m LaneMode) String() string {
	switch m {
	case ModeExternal:
		return "external"
	case ModeHybrid:
		return "hybrid"
	default:
		return "internal"
	}
}

// defaultExternalTimeout bounds external hand-off when the lane itself has
// no timeout configured.
const defaultExternalTimeout = 60 * time.Second

// ExternalTask is a parked envelope exposed to out-of-process workers.
type ExternalTask struct {
	TaskID      string                 `json:"task_id"`
	Lane        string                 `json:"lane"`
	CommandType string                 `json:"command_type"`
	Payload     map[string]interface{} `json:"payload"`
	EnqueuedAt  time.Time              `json:"enqueued_at"`
	Deadline    time.Time              `json:"deadline"`
}

type laneModeConfig struct {
	mode    LaneMode
	timeout time.Duration
}

type parkedTask struct {
	task ExternalTask
	ch   chan Result
}

// ExternalBridge hands envelopes in External-mode lanes to out-of-process
// workers. Parked tasks remain subject to their lane's timeout; a missed
// deadline flows into the normal retry path exactly as an internal timeout
// would.
type ExternalBridge struct {
	clock  Clock
	events *emitter

	mu      sync.RWMutex
	modes   map[string]laneModeConfig
	pending map[string]*parkedTask
}

func newExternalBridge(clock Clock, events *emitter) *ExternalBridge {
	return &ExternalBridge{
		clock:   clock,
		events:  events,
		modes:   make(map[string]laneModeConfig),
		pending: make(map[string]*parkedTask),
	}
}

// setLaneMode configures a lane's execution mode. A zero timeout keeps the
// default external hand-off timeout.
func (b *ExternalBridge) setLaneMode(laneName string, mode LaneMode, timeout time.Duration) {
	b.mu.Lock()
	b.modes[laneName] = laneModeConfig{mode: mode, timeout: timeout}
	b.mu.Unlock()
	log.Debug().Str("lane", laneName).Str("mode", mode.String()).Msg("Lane mode configured")
}

func (b *ExternalBridge) modeFor(laneName string) (LaneMode, time.Duration) {
	b.mu.RLock()
	cfg, ok := b.modes[laneName]
	b.mu.RUnlock()
	if !ok {
		return ModeInternal, 0
	}
	timeout := cfg.timeout
	if cfg.mode != ModeInternal && timeout <= 0 {
		timeout = defaultExternalTimeout
	}
	return cfg.mode, timeout
}

func commandPayload(cmd Command) map[string]interface{} {
	if p, ok := cmd.(PayloadProvider); ok {
		return p.Payload()
	}
	return map[string]interface{}{}
}

// runExternal parks the envelope and blocks until a worker completes it or
// ctx expires. The ctx deadline is the lane/attempt timeout.
func (b *ExternalBridge) runExternal(ctx context.Context, env *envelope) (interface{}, error) {
	task := ExternalTask{
		TaskID:      env.id,
		Lane:        env.laneName,
		CommandType: env.cmd.CommandType(),
		Payload:     commandPayload(env.cmd),
		EnqueuedAt:  env.enqueuedAt,
	}
	if deadline, ok := ctx.Deadline(); ok {
		task.Deadline = deadline
	}

	parked := &parkedTask{task: task, ch: make(chan Result, 1)}
	b.mu.Lock()
	b.pending[env.id] = parked
	b.mu.Unlock()

	b.events.emit(Event{
		Type:   EventExternalPending,
		Lane:   env.laneName,
		TaskID: env.id,
		Data: map[string]interface{}{
			"commandType": task.CommandType,
		},
	})

	select {
	case r := <-parked.ch:
		return r.Value, r.Err
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, env.id)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}

// runHybrid executes the command internally while notifying external
// observers of the hand-off points.
func (b *ExternalBridge) runHybrid(ctx context.Context, env *envelope) (interface{}, error) {
	b.events.emit(Event{
		Type:   EventExternalPending,
		Lane:   env.laneName,
		TaskID: env.id,
		Data: map[string]interface{}{
			"commandType": env.cmd.CommandType(),
			"hybrid":      true,
		},
	})

	value, err := env.cmd.Execute(ctx)

	b.events.emit(Event{
		Type:   EventExternalCompleted,
		Lane:   env.laneName,
		TaskID: env.id,
		Data: map[string]interface{}{
			"success": err == nil,
		},
	})
	return value, err
}

// pendingTasks returns a snapshot of parked tasks. An empty lane name
// matches all lanes.
func (b *ExternalBridge) pendingTasks(laneName string) []ExternalTask {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]ExternalTask, 0, len(b.pending))
	for _, p := range b.pending {
		if laneName != "" && p.task.Lane != laneName {
			continue
		}
		out = append(out, p.task)
	}
	return out
}

// completeTask resolves a parked task. It fails with ErrNotFound for an
// unknown or already-completed id.
func (b *ExternalBridge) completeTask(taskID string, value interface{}, taskErr error) error {
	b.mu.Lock()
	parked, ok := b.pending[taskID]
	if ok {
		delete(b.pending, taskID)
	}
	b.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	parked.ch <- Result{Value: value, Err: taskErr}
	b.events.emit(Event{
		Type:   EventExternalCompleted,
		Lane:   parked.task.Lane,
		TaskID: taskID,
		Data: map[string]interface{}{
			"success": taskErr == nil,
		},
	})
	return nil
}
