package lane

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/laneq/internal/observability"
	"github.com/harun/laneq/internal/tracing"
)

const (
	defaultAgingInterval = time.Second
	defaultAlertWarning  = 50
	defaultAlertCritical = 100
	drainPollInterval    = 10 * time.Millisecond
)

// laneRuntime is the hot-path mutable state of one lane: its pending heap
// and running counter behind a lane-local lock, plus an optional token
// bucket. Nothing here is shared across lanes.
type laneRuntime struct {
	cfg     LaneConfig
	mu      sync.Mutex
	pending pendingHeap
	running int
	limiter *tokenBucket
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock substitutes the time source, for deterministic tests.
func WithClock(clock Clock) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithDLQCapacity bounds the dead letter queue.
func WithDLQCapacity(capacity int) Option {
	return func(d *Dispatcher) { d.dlq = NewDeadLetterQueue(capacity) }
}

// WithDeadLetterStore persists dead letters to the given store.
func WithDeadLetterStore(store DeadLetterStore) Option {
	return func(d *Dispatcher) { d.dlqStore = store }
}

// WithAgingInterval sets how often pending envelopes are scanned for boost.
func WithAgingInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.agingInterval = interval
		}
	}
}

// WithAlertThresholds overrides the queue depth warning/critical thresholds.
func WithAlertThresholds(warning, critical int) Option {
	return func(d *Dispatcher) { d.alerts = newAlertManager(warning, critical) }
}

// Dispatcher arbitrates admission of submitted commands across lanes. Each
// Dispatcher is an independent instance with a bounded lifetime owned by its
// creator; one per session is the expected shape.
type Dispatcher struct {
	table   *LaneTable
	clock   Clock
	metrics *MetricsSink
	dlq     *DeadLetterQueue
	events  *emitter
	alerts  *alertManager
	bridge  *ExternalBridge
	pipe    *pipeline

	dlqStore      DeadLetterStore
	agingInterval time.Duration

	lanes map[string]*laneRuntime
	// order holds lane runtimes in ascending rank order; the admission scan
	// walks it front to back.
	order []*laneRuntime

	seq atomic.Uint64

	tasksMu sync.Mutex
	tasks   map[string]*envelope

	kick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	// wg tracks in-flight attempts and scheduled retries.
	wg sync.WaitGroup
	// loopWG tracks the scheduler and aging goroutines.
	loopWG sync.WaitGroup

	startOnce sync.Once
	shutdown  atomic.Bool
}

// NewDispatcher builds a Dispatcher over the given lane table.
func NewDispatcher(table *LaneTable, opts ...Option) *Dispatcher {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		table:         table,
		clock:         SystemClock(),
		events:        newEmitter(),
		agingInterval: defaultAgingInterval,
		lanes:         make(map[string]*laneRuntime, table.Len()),
		tasks:         make(map[string]*envelope),
		kick:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.dlq == nil {
		d.dlq = NewDeadLetterQueue(0)
	}
	if d.alerts == nil {
		d.alerts = newAlertManager(defaultAlertWarning, defaultAlertCritical)
	}
	if d.dlqStore != nil {
		d.dlq.setStore(d.dlqStore)
	}

	d.metrics = NewMetricsSink(table)
	d.dlq.onChange = d.metrics.recordDeadLetter
	d.bridge = newExternalBridge(d.clock, d.events)
	d.pipe = &pipeline{d: d}

	now := d.clock.Now()
	for _, name := range table.Names() {
		cfg, _ := table.Lookup(name)
		ln := &laneRuntime{cfg: cfg}
		if cfg.RateLimit != nil {
			ln.limiter = newTokenBucket(cfg.RateLimit, now)
		}
		d.lanes[name] = ln
		d.order = append(d.order, ln)
	}

	log.Debug().Int("lanes", table.Len()).Msg("Dispatcher created")
	return d
}

// Start launches the admission scheduler and the aging ticker. Commands
// submitted before Start stay pending until the first admission pass.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.loopWG.Add(2)
		go d.scheduleLoop()
		go d.agingLoop()
		d.kickScheduler()
		log.Debug().Msg("Dispatcher started")
	})
}

// On registers a handler for a queue event type; the empty string matches
// all events. Handlers run synchronously on scheduler goroutines.
func (d *Dispatcher) On(eventType string, handler EventHandler) {
	d.events.on(eventType, handler)
}

// DLQ returns the dead letter queue for operator inspection.
func (d *Dispatcher) DLQ() *DeadLetterQueue { return d.dlq }

// IsShuttingDown reports whether Close has been called.
func (d *Dispatcher) IsShuttingDown() bool { return d.shutdown.Load() }

// Submit enqueues one command for the named lane and returns its handle.
func (d *Dispatcher) Submit(laneName string, cmd Command) (*Handle, error) {
	return d.SubmitWithContext(context.Background(), laneName, cmd)
}

// SubmitWithContext enqueues one command, propagating ctx metadata into its
// execution attempts.
func (d *Dispatcher) SubmitWithContext(ctx context.Context, laneName string, cmd Command) (*Handle, error) {
	handles, err := d.submitAll(ctx, laneName, []Command{cmd})
	if err != nil {
		return nil, err
	}
	return handles[0], nil
}

// SubmitBatch enqueues commands as one group under a single lane lookup.
// The returned handles preserve input order and count.
func (d *Dispatcher) SubmitBatch(laneName string, cmds []Command) ([]*Handle, error) {
	return d.SubmitBatchWithContext(context.Background(), laneName, cmds)
}

// SubmitBatchWithContext is SubmitBatch with caller context propagation.
func (d *Dispatcher) SubmitBatchWithContext(ctx context.Context, laneName string, cmds []Command) ([]*Handle, error) {
	return d.submitAll(ctx, laneName, cmds)
}

func (d *Dispatcher) submitAll(ctx context.Context, laneName string, cmds []Command) ([]*Handle, error) {
	if d.shutdown.Load() {
		return nil, ErrShuttingDown
	}
	ln, ok := d.lanes[laneName]
	if !ok {
		return nil, ErrUnknownLane
	}
	if len(cmds) == 0 {
		return nil, nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"laneq.dispatcher",
		"lane.submit",
		attribute.String("lane", laneName),
		attribute.Int("count", len(cmds)),
	)
	defer span.End()

	now := d.clock.Now()
	envs := make([]*envelope, len(cmds))
	handles := make([]*Handle, len(cmds))
	for i, cmd := range cmds {
		id := uuid.New().String()
		env := &envelope{
			id:          id,
			laneName:    laneName,
			cmd:         cmd,
			ctx:         ctx,
			seq:         d.seq.Add(1),
			enqueuedAt:  now,
			lastBoostAt: now,
			effPriority: ln.cfg.Rank,
			handle:      newHandle(id, laneName),
			heapIndex:   -1,
		}
		envs[i] = env
		handles[i] = env.handle
	}

	d.tasksMu.Lock()
	for _, env := range envs {
		d.tasks[env.id] = env
	}
	d.tasksMu.Unlock()

	ln.mu.Lock()
	for _, env := range envs {
		heap.Push(&ln.pending, env)
	}
	depth := len(ln.pending)
	ln.mu.Unlock()

	d.metrics.recordSubmitted(laneName, len(envs))
	observability.RecordSubmitted(laneName, len(envs), depth)

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	for _, env := range envs {
		logger.Debug().
			Str("lane", laneName).
			Str("taskId", env.id).
			Int("queueSize", depth).
			Msg("Command enqueued")
		d.events.emit(Event{
			Type:   EventEnqueued,
			Lane:   laneName,
			TaskID: env.id,
			Data: map[string]interface{}{
				"queueSize":   depth,
				"commandType": env.cmd.CommandType(),
			},
		})
		observability.Audit(ctx, "command_submitted", laneName, env.id, "pending", nil)
	}

	d.alerts.observeDepth(laneName, depth, d.events.emit)
	d.kickScheduler()
	return handles, nil
}

// Cancel targets a specific task id. A pending envelope is removed and its
// handle resolved with ErrCancelled; a running envelope gets its cooperative
// cancellation flag set and run context cancelled. Advisory, never forced.
func (d *Dispatcher) Cancel(taskID string) error {
	d.tasksMu.Lock()
	env, ok := d.tasks[taskID]
	d.tasksMu.Unlock()
	if !ok {
		return ErrNotFound
	}

	ln := d.lanes[env.laneName]
	ln.mu.Lock()
	if env.heapIndex >= 0 {
		heap.Remove(&ln.pending, env.heapIndex)
		depth := len(ln.pending)
		ln.mu.Unlock()

		env.cancelled.Store(true)
		d.metrics.recordCancelled(env.laneName, true)
		observability.RecordCancelled(env.laneName, depth)
		d.forgetTask(taskID)
		env.handle.resolve(nil, ErrCancelled)
		d.events.emit(Event{Type: EventCancelled, Lane: env.laneName, TaskID: taskID})
		log.Debug().Str("lane", env.laneName).Str("taskId", taskID).Msg("Pending command cancelled")
		d.kickScheduler()
		return nil
	}
	ln.mu.Unlock()

	// Running or awaiting a retry slot: flag it and let the pipeline (or the
	// retry timer) observe the flag.
	env.requestCancel()
	log.Debug().Str("lane", env.laneName).Str("taskId", taskID).Msg("Cancellation requested for running command")
	return nil
}

// Stats returns an idempotent snapshot across all lanes.
func (d *Dispatcher) Stats() QueueStats {
	return d.metrics.Snapshot()
}

// LaneStats returns the snapshot for one lane.
func (d *Dispatcher) LaneStats(laneName string) (LaneStats, bool) {
	return d.metrics.LaneSnapshot(laneName)
}

// DLQEntries lists dead letters for a lane, newest first.
func (d *Dispatcher) DLQEntries(laneName string, limit int) []DeadLetter {
	return d.dlq.List(laneName, limit)
}

// SetLaneMode configures Internal/External/Hybrid execution for a lane.
func (d *Dispatcher) SetLaneMode(laneName string, mode LaneMode, timeout time.Duration) error {
	if _, ok := d.lanes[laneName]; !ok {
		return ErrUnknownLane
	}
	d.bridge.setLaneMode(laneName, mode, timeout)
	return nil
}

// PendingTasks lists parked external tasks for a lane; empty name matches
// all lanes.
func (d *Dispatcher) PendingTasks(laneName string) []ExternalTask {
	return d.bridge.pendingTasks(laneName)
}

// CompleteTask resolves a parked external task with a result or error.
func (d *Dispatcher) CompleteTask(taskID string, value interface{}, taskErr error) error {
	return d.bridge.completeTask(taskID, value, taskErr)
}

// Drain blocks until no envelope is pending or running, or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		if d.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) idle() bool {
	for _, ln := range d.order {
		ln.mu.Lock()
		busy := len(ln.pending) > 0 || ln.running > 0
		ln.mu.Unlock()
		if busy {
			return false
		}
	}
	d.tasksMu.Lock()
	remaining := len(d.tasks)
	d.tasksMu.Unlock()
	return remaining == 0
}

// Close stops admission and background loops. In-flight attempts finish on
// their own; pending envelopes stay unresolved unless drained first.
func (d *Dispatcher) Close() {
	if !d.shutdown.CompareAndSwap(false, true) {
		return
	}
	d.cancel()
	d.loopWG.Wait()
	log.Debug().Msg("Dispatcher closed")
}

func (d *Dispatcher) kickScheduler() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) forgetTask(taskID string) {
	d.tasksMu.Lock()
	delete(d.tasks, taskID)
	d.tasksMu.Unlock()
}

func (d *Dispatcher) scheduleLoop() {
	defer d.loopWG.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.kick:
			d.admitPass()
		}
	}
}

// admitPass is the admission algorithm: scan lanes in ascending rank order
// and start every envelope that has both a free slot and rate-limit budget.
// Already-running lower-priority work is never interrupted; only the right
// to start new work is prioritized.
func (d *Dispatcher) admitPass() {
	for _, ln := range d.order {
		for {
			ln.mu.Lock()
			if ln.running >= ln.cfg.MaxConcurrency || len(ln.pending) == 0 {
				ln.mu.Unlock()
				break
			}
			if ln.limiter != nil && !ln.limiter.take(d.clock.Now()) {
				ln.mu.Unlock()
				break
			}
			env := heap.Pop(&ln.pending).(*envelope)
			ln.running++
			depth := len(ln.pending)
			running := ln.running
			ln.mu.Unlock()

			d.metrics.recordAdmitted(ln.cfg.Name)
			observability.RecordAdmitted(ln.cfg.Name, depth, running)
			d.events.emit(Event{
				Type:   EventAdmitted,
				Lane:   ln.cfg.Name,
				TaskID: env.id,
				Data: map[string]interface{}{
					"attempt": env.attempt + 1,
					"running": running,
				},
			})

			d.wg.Add(1)
			go d.pipe.run(ln, env)
		}
	}
}

// scheduleRequeue re-enqueues env for another attempt after delay, keeping
// its effective priority.
func (d *Dispatcher) scheduleRequeue(env *envelope, delay time.Duration) {
	d.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer d.wg.Done()
		d.requeue(env)
	})
}

func (d *Dispatcher) requeue(env *envelope) {
	if env.cancelled.Load() || d.shutdown.Load() {
		d.metrics.recordCancelled(env.laneName, false)
		d.forgetTask(env.id)
		env.handle.resolve(nil, ErrCancelled)
		d.events.emit(Event{Type: EventCancelled, Lane: env.laneName, TaskID: env.id})
		return
	}

	ln := d.lanes[env.laneName]
	ln.mu.Lock()
	env.seq = d.seq.Add(1)
	heap.Push(&ln.pending, env)
	depth := len(ln.pending)
	ln.mu.Unlock()

	d.metrics.recordRequeued(env.laneName)
	observability.RecordRetry(env.laneName, depth)
	log.Debug().
		Str("lane", env.laneName).
		Str("taskId", env.id).
		Int("attempt", env.attempt).
		Msg("Command re-enqueued for retry")
	d.alerts.observeDepth(env.laneName, depth, d.events.emit)
	d.kickScheduler()
}

func (d *Dispatcher) agingLoop() {
	defer d.loopWG.Done()
	ticker := time.NewTicker(d.agingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.boostPending()
			// The tick doubles as a periodic admission pass so lanes gated
			// only on rate-limit refill make progress.
			d.kickScheduler()
		}
	}
}

// boostPending raises the effective priority of envelopes that waited past
// their lane's boost threshold, one rank per crossing, clamped at the
// table's most urgent rank. Effective priority never decreases.
func (d *Dispatcher) boostPending() {
	now := d.clock.Now()
	top := d.table.TopRank()

	for _, ln := range d.order {
		if ln.cfg.Boost == nil {
			continue
		}

		var boosted []Event
		ln.mu.Lock()
		changed := false
		for _, env := range ln.pending {
			if env.effPriority <= top {
				continue
			}
			if now.Sub(env.lastBoostAt) < ln.cfg.Boost.After {
				continue
			}
			env.effPriority--
			env.lastBoostAt = now
			changed = true
			boosted = append(boosted, Event{
				Type:   EventBoosted,
				Lane:   ln.cfg.Name,
				TaskID: env.id,
				Data: map[string]interface{}{
					"effectivePriority": env.effPriority,
				},
			})
		}
		if changed {
			heap.Init(&ln.pending)
		}
		ln.mu.Unlock()

		for _, ev := range boosted {
			log.Debug().
				Str("lane", ev.Lane).
				Str("taskId", ev.TaskID).
				Interface("effectivePriority", ev.Data["effectivePriority"]).
				Msg("Pending command boosted")
			d.events.emit(ev)
		}
	}
}
