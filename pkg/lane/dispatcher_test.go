package lane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder collects dispatcher events for assertions. Handlers run
// synchronously, so everything observed before a Wait returns is ordered.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handler() EventHandler {
	return func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

func (r *eventRecorder) lanesFor(eventType string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev.Lane)
		}
	}
	return out
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func instantCommand(name string) Command {
	return CommandFunc(name, func(ctx context.Context) (interface{}, error) {
		return name, nil
	})
}

func waitAll(t *testing.T, handles ...*Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range handles {
		_, _ = h.Wait(ctx)
		select {
		case <-h.Done():
		case <-ctx.Done():
			t.Fatalf("handle %s never resolved", h.TaskID())
		}
	}
}

func TestDispatcher_AdmitsInRankOrder(t *testing.T) {
	table, err := DefaultTable()
	require.NoError(t, err)
	d := NewDispatcher(table)
	defer d.Close()

	rec := &eventRecorder{}
	d.On(EventAdmitted, rec.handler())

	// Submitted in reverse urgency before the scheduler starts; the first
	// admission pass must pick them up most urgent first.
	h1, err := d.Submit(Prompt, instantCommand("generate"))
	require.NoError(t, err)
	h2, err := d.Submit(Query, instantCommand("query"))
	require.NoError(t, err)
	h3, err := d.Submit(Control, instantCommand("control"))
	require.NoError(t, err)
	h4, err := d.Submit(System, instantCommand("system"))
	require.NoError(t, err)

	d.Start()
	waitAll(t, h1, h2, h3, h4)

	assert.Equal(t, []string{System, Control, Query, Prompt}, rec.lanesFor(EventAdmitted))
}

func TestDispatcher_FIFOWithinLane(t *testing.T) {
	table, err := NewLaneTable(LaneConfig{Name: "serial", Rank: 0, MinConcurrency: 1, MaxConcurrency: 1})
	require.NoError(t, err)
	d := NewDispatcher(table)
	defer d.Close()

	var mu sync.Mutex
	var order []int

	var handles []*Handle
	for i := 0; i < 5; i++ {
		i := i
		h, err := d.Submit("serial", CommandFunc("step", func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}))
		require.NoError(t, err)
		handles = append(handles, h)
	}

	d.Start()
	waitAll(t, handles...)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDispatcher_ConcurrencyCapNeverExceeded(t *testing.T) {
	table, err := NewLaneTable(LaneConfig{Name: "bounded", Rank: 0, MinConcurrency: 1, MaxConcurrency: 2})
	require.NoError(t, err)
	d := NewDispatcher(table)
	defer d.Close()
	d.Start()

	var current, peak atomic.Int64
	var handles []*Handle
	for i := 0; i < 12; i++ {
		h, err := d.Submit("bounded", CommandFunc("load", func(ctx context.Context) (interface{}, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil, nil
		}))
		require.NoError(t, err)
		handles = append(handles, h)
	}

	waitAll(t, handles...)
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Positive(t, peak.Load())
}

func TestDispatcher_BatchPreservesOrderAndCount(t *testing.T) {
	table, err := DefaultTable()
	require.NoError(t, err)
	d := NewDispatcher(table)
	defer d.Close()
	d.Start()

	cmds := make([]Command, 4)
	for i := range cmds {
		i := i
		cmds[i] = CommandFunc("read", func(ctx context.Context) (interface{}, error) {
			return i, nil
		})
	}

	handles, err := d.SubmitBatch(Query, cmds)
	require.NoError(t, err)
	require.Len(t, handles, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, h := range handles {
		value, werr := h.Wait(ctx)
		require.NoError(t, werr)
		assert.Equal(t, i, value)
		assert.Equal(t, Query, h.Lane())
	}
}

func TestDispatcher_RetryExhaustionDeadLetters(t *testing.T) {
	table, err := NewLaneTable(LaneConfig{
		Name: "flaky", Rank: 0, MinConcurrency: 1, MaxConcurrency: 1,
		Retry: FixedRetry(time.Millisecond, 3),
	})
	require.NoError(t, err)
	d := NewDispatcher(table)
	defer d.Close()

	rec := &eventRecorder{}
	d.On(EventRetry, rec.handler())
	d.On(EventDeadLettered, rec.handler())

	d.Start()

	boom := errors.New("downstream unavailable")
	var attempts atomic.Int64
	h, err := d.Submit("flaky", CommandFunc("call", func(ctx context.Context) (interface{}, error) {
		attempts.Add(1)
		return nil, boom
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, werr := h.Wait(ctx)
	require.Error(t, werr)

	var execErr *ExecutionError
	require.ErrorAs(t, werr, &execErr)
	assert.ErrorIs(t, werr, boom)

	assert.Equal(t, int64(3), attempts.Load())
	assert.Equal(t, 2, rec.count(EventRetry))
	assert.Equal(t, 1, rec.count(EventDeadLettered))

	entries := d.DLQEntries("flaky", 0)
	require.Len(t, entries, 1)
	assert.Equal(t, h.TaskID(), entries[0].TaskID)
	assert.Equal(t, "call", entries[0].CommandType)
	require.Len(t, entries[0].Attempts, 3)
	for i, a := range entries[0].Attempts {
		assert.Equal(t, i+1, a.Number)
		assert.Equal(t, "error", a.Outcome)
	}

	stats, ok := d.LaneStats("flaky")
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(2), stats.Retries)
	assert.Equal(t, int64(1), stats.DLQSize)
}

func TestDispatcher_PermanentErrorSkipsRetry(t *testing.T) {
	table, err := NewLaneTable(LaneConfig{
		Name: "flaky", Rank: 0, MinConcurrency: 1, MaxConcurrency: 1,
		Retry: FixedRetry(time.Millisecond, 5),
	})
	require.NoError(t, err)
	d := NewDispatcher(table)
	defer d.Close()
	d.Start()

	var attempts atomic.Int64
	h, err := d.Submit("flaky", CommandFunc("call", func(ctx context.Context) (interface{}, error) {
		attempts.Add(1)
		return nil, Permanent(errors.New("bad request"))
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, werr := h.Wait(ctx)
	require.Error(t, werr)

	assert.Equal(t, int64(1), attempts.Load())
	entries := d.DLQEntries("flaky", 0)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Attempts, 1)
}

func TestDispatcher_AttemptTimeout(t *testing.T) {
	table, err := NewLaneTable(LaneConfig{
		Name: "slow", Rank: 0, MinConcurrency: 1, MaxConcurrency: 1,
		Timeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	d := NewDispatcher(table)
	defer d.Close()
	d.Start()

	h, err := d.Submit("slow", CommandFunc("sleep", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, werr := h.Wait(ctx)
	require.Error(t, werr)

	var toErr *TimeoutError
	require.ErrorAs(t, werr, &toErr)
	assert.Equal(t, "slow", toErr.Lane)
	assert.Equal(t, 30*time.Millisecond, toErr.Timeout)

	entries := d.DLQEntries("slow", 0)
	require.Len(t, entries, 1)
	assert.Equal(t, "timeout", entries[0].Attempts[0].Outcome)
}

func TestDispatcher_CancelPending(t *testing.T) {
	table, err := NewLaneTable(LaneConfig{Name: "serial", Rank: 0, MinConcurrency: 1, MaxConcurrency: 1})
	require.NoError(t, err)
	d := NewDispatcher(table)
	defer d.Close()
	d.Start()

	release := make(chan struct{})
	blocker, err := d.Submit("serial", CommandFunc("hold", func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}))
	require.NoError(t, err)

	victim, err := d.Submit("serial", instantCommand("never"))
	require.NoError(t, err)

	// Give the scheduler a moment to admit the blocker so the victim is
	// pending, not running.
	require.Eventually(t, func() bool {
		stats, _ := d.LaneStats("serial")
		return stats.Running == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, d.Cancel(victim.TaskID()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, werr := victim.Wait(ctx)
	assert.ErrorIs(t, werr, ErrCancelled)

	close(release)
	waitAll(t, blocker)

	stats, _ := d.LaneStats("serial")
	assert.Equal(t, uint64(1), stats.Cancelled)
	assert.Equal(t, uint64(1), stats.Completed)
}

func TestDispatcher_CancelRunning(t *testing.T) {
	table, err := NewLaneTable(LaneConfig{Name: "serial", Rank: 0, MinConcurrency: 1, MaxConcurrency: 1})
	require.NoError(t, err)
	d := NewDispatcher(table)
	defer d.Close()
	d.Start()

	started := make(chan struct{})
	h, err := d.Submit("serial", CommandFunc("hold", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("command never started")
	}

	require.NoError(t, d.Cancel(h.TaskID()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, werr := h.Wait(ctx)
	assert.ErrorIs(t, werr, ErrCancelled)

	// Cancellation is terminal, never dead-lettered.
	assert.Empty(t, d.DLQEntries("serial", 0))
}

func TestDispatcher_CancelUnknownTask(t *testing.T) {
	table, err := DefaultTable()
	require.NoError(t, err)
	d := NewDispatcher(table)
	defer d.Close()

	assert.ErrorIs(t, d.Cancel("no-such-task"), ErrNotFound)
}

func TestDispatcher_SubmitErrors(t *testing.T) {
	table, err := DefaultTable()
	require.NoError(t, err)
	d := NewDispatcher(table)

	_, err = d.Submit("nope", instantCommand("x"))
	assert.ErrorIs(t, err, ErrUnknownLane)

	d.Close()
	_, err = d.Submit(Query, instantCommand("x"))
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.True(t, d.IsShuttingDown())
}

func TestDispatcher_RateLimitGatesAdmission(t *testing.T) {
	clock := NewFakeClock(time.Now())
	table, err := NewLaneTable(LaneConfig{
		Name: "limited", Rank: 0, MinConcurrency: 1, MaxConcurrency: 10,
		RateLimit: PerInterval(1, time.Second),
	})
	require.NoError(t, err)
	d := NewDispatcher(table, WithClock(clock), WithAgingInterval(5*time.Millisecond))
	defer d.Close()
	d.Start()

	h1, err := d.Submit("limited", instantCommand("a"))
	require.NoError(t, err)
	h2, err := d.Submit("limited", instantCommand("b"))
	require.NoError(t, err)

	waitAll(t, h1)

	// The bucket is empty; the second command must stay pending until the
	// clock refills it.
	time.Sleep(30 * time.Millisecond)
	stats, _ := d.LaneStats("limited")
	assert.Equal(t, int64(1), stats.QueueDepth)

	clock.Advance(2 * time.Second)
	waitAll(t, h2)

	stats, _ = d.LaneStats("limited")
	assert.Equal(t, uint64(2), stats.Completed)
}

func TestDispatcher_BoostRaisesEffectivePriority(t *testing.T) {
	clock := NewFakeClock(time.Now())
	table, err := NewLaneTable(
		LaneConfig{Name: "high", Rank: 0, MinConcurrency: 1, MaxConcurrency: 1},
		LaneConfig{Name: "low", Rank: 1, MinConcurrency: 1, MaxConcurrency: 1,
			Boost: BoostAfter(50 * time.Millisecond)},
	)
	require.NoError(t, err)
	d := NewDispatcher(table, WithClock(clock), WithAgingInterval(5*time.Millisecond))
	defer d.Close()

	rec := &eventRecorder{}
	d.On(EventBoosted, rec.handler())
	d.Start()

	release := make(chan struct{})
	blocker, err := d.Submit("low", CommandFunc("hold", func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}))
	require.NoError(t, err)

	waiter, err := d.Submit("low", instantCommand("starved"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, _ := d.LaneStats("low")
		return stats.Running == 1
	}, time.Second, time.Millisecond)

	clock.Advance(60 * time.Millisecond)
	require.Eventually(t, func() bool {
		return rec.count(EventBoosted) == 1
	}, time.Second, time.Millisecond)

	// Already at the table's most urgent rank; further aging is a no-op.
	clock.Advance(60 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.count(EventBoosted))

	rec.mu.Lock()
	boosted := rec.events[0]
	rec.mu.Unlock()
	assert.Equal(t, waiter.TaskID(), boosted.TaskID)
	assert.Equal(t, 0, boosted.Data["effectivePriority"])

	close(release)
	waitAll(t, blocker, waiter)
}

func TestDispatcher_DepthAlertsFireOncePerCrossing(t *testing.T) {
	table, err := NewLaneTable(LaneConfig{Name: "busy", Rank: 0, MinConcurrency: 1, MaxConcurrency: 1})
	require.NoError(t, err)
	d := NewDispatcher(table, WithAlertThresholds(2, 3))
	defer d.Close()

	rec := &eventRecorder{}
	d.On(EventAlert, rec.handler())

	// Not started: every submit grows the pending depth.
	for i := 0; i < 4; i++ {
		_, err := d.Submit("busy", instantCommand("x"))
		require.NoError(t, err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 2)
	assert.Equal(t, AlertLevelWarning, rec.events[0].Data["level"])
	assert.Equal(t, AlertLevelCritical, rec.events[1].Data["level"])
}

func TestDispatcher_DrainWaitsForCompletion(t *testing.T) {
	table, err := DefaultTable()
	require.NoError(t, err)
	d := NewDispatcher(table)
	defer d.Close()
	d.Start()

	var handles []*Handle
	for i := 0; i < 10; i++ {
		h, err := d.Submit(Query, CommandFunc("read", func(ctx context.Context) (interface{}, error) {
			time.Sleep(2 * time.Millisecond)
			return nil, nil
		}))
		require.NoError(t, err)
		handles = append(handles, h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))

	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatalf("drain returned with handle %s unresolved", h.TaskID())
		}
	}

	first := d.Stats()
	second := d.Stats()
	assert.Equal(t, first, second)
	assert.Equal(t, uint64(10), first.Lanes[Query].Completed)
	assert.Equal(t, int64(0), first.Global.QueueDepth)
	assert.Equal(t, int64(0), first.Global.Running)
}

func TestDispatcher_EmptyBatch(t *testing.T) {
	table, err := DefaultTable()
	require.NoError(t, err)
	d := NewDispatcher(table)
	defer d.Close()

	handles, err := d.SubmitBatch(Query, nil)
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func TestDispatcher_WildcardEventHandler(t *testing.T) {
	table, err := DefaultTable()
	require.NoError(t, err)
	d := NewDispatcher(table)
	defer d.Close()

	rec := &eventRecorder{}
	d.On("", rec.handler())
	d.Start()

	h, err := d.Submit(Query, instantCommand("read"))
	require.NoError(t, err)
	waitAll(t, h)

	assert.Equal(t, 1, rec.count(EventEnqueued))
	assert.Equal(t, 1, rec.count(EventAdmitted))
	assert.Equal(t, 1, rec.count(EventCompleted))
}

func TestHandle_WaitRespectsContext(t *testing.T) {
	table, err := NewLaneTable(LaneConfig{Name: "serial", Rank: 0, MinConcurrency: 1, MaxConcurrency: 1})
	require.NoError(t, err)
	d := NewDispatcher(table)
	defer d.Close()

	// Never started, so the handle never resolves.
	h, err := d.Submit("serial", instantCommand("x"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, werr := h.Wait(ctx)
	assert.ErrorIs(t, werr, context.DeadlineExceeded)
}

func TestDispatcher_ManyLanesUnderLoad(t *testing.T) {
	table, err := DefaultTable()
	require.NoError(t, err)
	d := NewDispatcher(table)
	defer d.Close()
	d.Start()

	var completed atomic.Int64
	var handles []*Handle
	lanes := []string{System, Control, Query, Session, Skill}
	for i := 0; i < 50; i++ {
		laneName := lanes[i%len(lanes)]
		h, err := d.Submit(laneName, CommandFunc(fmt.Sprintf("op-%d", i), func(ctx context.Context) (interface{}, error) {
			completed.Add(1)
			return nil, nil
		}))
		require.NoError(t, err)
		handles = append(handles, h)
	}

	waitAll(t, handles...)
	assert.Equal(t, int64(50), completed.Load())

	stats := d.Stats()
	assert.Equal(t, uint64(50), stats.Global.Completed)
	assert.Equal(t, uint64(0), stats.Global.Failed)
}
