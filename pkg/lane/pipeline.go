package lane

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/laneq/internal/observability"
	"github.com/harun/laneq/internal/tracing"
)

// Attempt outcome labels used in history, audit events, and metrics.
const (
	outcomeSucceeded = "succeeded"
	outcomeTimeout   = "timeout"
	outcomeError     = "error"
	outcomeCancelled = "cancelled"
)

// pipeline drives one execution attempt per admitted envelope: timeout
// enforcement, outcome classification, retry scheduling, and dead-lettering
// on exhaustion. All recoverable failures stay inside the pipeline; only
// success, cancellation, or retries-exhausted resolve the caller's handle.
type pipeline struct {
	d *Dispatcher
}

type attemptResult struct {
	value interface{}
	err   error
}

func (p *pipeline) run(ln *laneRuntime, env *envelope) {
	d := p.d
	defer d.wg.Done()

	if env.cancelled.Load() {
		p.finishCancelled(ln, env, false)
		return
	}

	cfg := ln.cfg
	attemptNo := env.attempt + 1

	baseCtx := env.ctx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	baseCtx = tracing.WithTaskID(tracing.WithLane(baseCtx, cfg.Name), env.id)
	ctx, span := tracing.StartSpan(
		baseCtx,
		"laneq.pipeline",
		"lane.execute",
		attribute.String("lane", cfg.Name),
		attribute.String("task_id", env.id),
		attribute.Int("attempt", attemptNo),
	)
	defer span.End()

	mode, extTimeout := d.bridge.modeFor(cfg.Name)
	timeout := cfg.Timeout
	if mode != ModeInternal && extTimeout > 0 && (timeout <= 0 || extTimeout < timeout) {
		timeout = extTimeout
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	env.setRunCancel(cancel)
	defer func() {
		env.clearRunCancel()
		cancel()
	}()

	logger := tracing.LoggerFromContext(runCtx, log.Logger)
	logger.Debug().Int("attempt", attemptNo).Msg("Attempt started")

	start := d.clock.Now()

	// The attempt runs in its own goroutine so a command that ignores its
	// context cannot hold the lane slot past the timeout. Cancellation stays
	// advisory: an abandoned attempt keeps running until it observes ctx.
	done := make(chan attemptResult, 1)
	go func() {
		var r attemptResult
		switch mode {
		case ModeExternal:
			r.value, r.err = d.bridge.runExternal(runCtx, env)
		case ModeHybrid:
			r.value, r.err = d.bridge.runHybrid(runCtx, env)
		default:
			r.value, r.err = env.cmd.Execute(runCtx)
		}
		done <- r
	}()

	var value interface{}
	var err error
	select {
	case r := <-done:
		value, err = r.value, r.err
	case <-runCtx.Done():
		err = runCtx.Err()
	}

	latency := d.clock.Now().Sub(start)
	env.attempt = attemptNo

	outcome := classify(err, env)
	env.recordAttempt(Attempt{
		Number:    attemptNo,
		StartedAt: start,
		Latency:   latency,
		Outcome:   outcome,
		Error:     errString(err),
	})

	p.releaseSlot(ln, latency)
	running := int(d.metrics.lane(cfg.Name).running.Load())
	observability.RecordAttempt(cfg.Name, outcome, latency, running)
	observability.Audit(runCtx, "attempt_finished", cfg.Name, env.id, outcome, map[string]interface{}{
		"attempt":    attemptNo,
		"latency_ms": latency.Milliseconds(),
	})

	switch outcome {
	case outcomeSucceeded:
		logger.Debug().Dur("duration", latency).Msg("Attempt succeeded")
		p.finishSuccess(ln, env, value, latency)
	case outcomeCancelled:
		d.metrics.recordCancelled(cfg.Name, false)
		d.forgetTask(env.id)
		env.handle.resolve(nil, ErrCancelled)
		d.events.emit(Event{Type: EventCancelled, Lane: cfg.Name, TaskID: env.id})
		logger.Debug().Msg("Attempt cancelled")
		d.kickScheduler()
	default:
		classified := p.classifyError(cfg, env, err, timeout)
		span.RecordError(classified)
		span.SetStatus(codes.Error, classified.Error())
		logger.Debug().Err(classified).Str("outcome", outcome).Msg("Attempt failed")
		p.finishFailure(ln, env, classified, outcome)
	}
}

func classify(err error, env *envelope) string {
	switch {
	case err == nil:
		return outcomeSucceeded
	case env.cancelled.Load(), errors.Is(err, context.Canceled):
		return outcomeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return outcomeTimeout
	default:
		return outcomeError
	}
}

func (p *pipeline) classifyError(cfg LaneConfig, env *envelope, err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Lane: cfg.Name, TaskID: env.id, Timeout: timeout}
	}
	return &ExecutionError{TaskID: env.id, Err: err}
}

func (p *pipeline) releaseSlot(ln *laneRuntime, latency time.Duration) {
	ln.mu.Lock()
	ln.running--
	ln.mu.Unlock()
	p.d.metrics.recordReleased(ln.cfg.Name)
	p.d.metrics.recordAttemptLatency(ln.cfg.Name, latency)
}

func (p *pipeline) finishSuccess(ln *laneRuntime, env *envelope, value interface{}, latency time.Duration) {
	d := p.d
	d.metrics.recordCompleted(ln.cfg.Name)
	d.forgetTask(env.id)
	env.handle.resolve(value, nil)
	d.events.emit(Event{
		Type:   EventCompleted,
		Lane:   ln.cfg.Name,
		TaskID: env.id,
		Data: map[string]interface{}{
			"duration": latency.Milliseconds(),
			"success":  true,
		},
	})
	d.kickScheduler()
}

// finishCancelled handles an envelope whose cancellation landed between
// admission and the first instruction of its attempt.
func (p *pipeline) finishCancelled(ln *laneRuntime, env *envelope, pending bool) {
	d := p.d
	ln.mu.Lock()
	ln.running--
	ln.mu.Unlock()
	d.metrics.recordReleased(ln.cfg.Name)
	d.metrics.recordCancelled(ln.cfg.Name, pending)
	d.forgetTask(env.id)
	env.handle.resolve(nil, ErrCancelled)
	d.events.emit(Event{Type: EventCancelled, Lane: ln.cfg.Name, TaskID: env.id})
	d.kickScheduler()
}

func (p *pipeline) finishFailure(ln *laneRuntime, env *envelope, classified error, outcome string) {
	d := p.d
	cfg := ln.cfg

	retryable := !IsPermanent(classified)
	if retryable && cfg.Retry.ShouldRetry(env.attempt) {
		delay := cfg.Retry.NextDelay(env.attempt + 1)
		log.Debug().
			Str("lane", cfg.Name).
			Str("taskId", env.id).
			Int("attempt", env.attempt).
			Dur("delay", delay).
			Msg("Attempt failed, scheduling retry")
		d.events.emit(Event{
			Type:   EventRetry,
			Lane:   cfg.Name,
			TaskID: env.id,
			Data: map[string]interface{}{
				"attempt": env.attempt,
				"delayMs": delay.Milliseconds(),
			},
		})
		d.scheduleRequeue(env, delay)
		d.kickScheduler()
		return
	}

	entry := DeadLetter{
		TaskID:      env.id,
		Lane:        cfg.Name,
		CommandType: env.cmd.CommandType(),
		Error:       classified.Error(),
		Attempts:    append([]Attempt(nil), env.history...),
		FailedAt:    d.clock.Now(),
	}
	// Terminal failure counts once, however many attempts preceded it.
	d.metrics.recordFailed(cfg.Name)
	d.dlq.add(entry)
	observability.RecordDeadLetter(cfg.Name, d.dlq.Size())
	d.forgetTask(env.id)
	env.handle.resolve(nil, classified)
	d.events.emit(Event{
		Type:   EventDeadLettered,
		Lane:   cfg.Name,
		TaskID: env.id,
		Data: map[string]interface{}{
			"error":    classified.Error(),
			"attempts": env.attempt,
			"outcome":  outcome,
		},
	})
	d.kickScheduler()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
