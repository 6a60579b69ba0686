// Package partition classifies batches of caller operations into scheduler
// lanes and decides which may run concurrently versus strictly sequentially.
//
// Query-lane operations in a batch are submitted together and run
// concurrently within their lane's concurrency bound. Side-effecting
// operations run strictly one at a time in original order: they are unsafe
// to reorder or parallelize against each other. Results always come back in
// the caller's original request order, whatever the completion order was.
package partition

import (
	"context"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/harun/laneq/internal/tracing"
	"github.com/harun/laneq/pkg/lane"
)

// Op is one caller-requested operation with a declared kind.
type Op struct {
	Kind    string
	Command lane.Command
}

// OpResult is the outcome of one operation, tagged with its input index.
type OpResult struct {
	Index int
	Value interface{}
	Err   error
}

// Config tunes the partitioner.
type Config struct {
	// InlineThreshold bypasses queue submission for batches smaller than
	// this: queueing overhead can exceed the cost of the work itself.
	InlineThreshold int
	// TrivialKinds are declared trivially fast; a batch made up entirely of
	// them also runs inline.
	TrivialKinds []string
}

// DefaultConfig runs batches of fewer than two operations inline and treats
// no kind as trivial.
func DefaultConfig() Config {
	return Config{InlineThreshold: 2}
}

// Partitioner splits operation batches across a Dispatcher's lanes.
type Partitioner struct {
	dispatcher *lane.Dispatcher
	cfg        Config
	trivial    map[string]bool
}

// New builds a Partitioner over the given dispatcher.
func New(dispatcher *lane.Dispatcher, cfg Config) *Partitioner {
	trivial := make(map[string]bool, len(cfg.TrivialKinds))
	for _, kind := range cfg.TrivialKinds {
		trivial[kind] = true
	}
	return &Partitioner{dispatcher: dispatcher, cfg: cfg, trivial: trivial}
}

// Run executes ops and returns results indexed 1:1 with the input order.
func (p *Partitioner) Run(ctx context.Context, ops []Op) []OpResult {
	if len(ops) == 0 {
		return nil
	}

	batchID, err := gonanoid.New()
	if err != nil {
		batchID = "batch"
	}
	ctx = tracing.WithBatchID(ctx, batchID)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if p.runsInline(ops) {
		logger.Debug().Int("ops", len(ops)).Msg("Batch below threshold, executing inline")
		return p.runInline(ctx, ops)
	}

	results := make([]OpResult, len(ops))
	for i := range results {
		results[i].Index = i
	}

	type submitted struct {
		index  int
		handle *lane.Handle
	}
	var async []submitted

	// Query operations go out as one batch and may run concurrently,
	// bounded by the query lane's max concurrency.
	var queryIdx []int
	var queryCmds []lane.Command
	for i, op := range ops {
		if IsQueryKind(op.Kind) {
			queryIdx = append(queryIdx, i)
			queryCmds = append(queryCmds, op.Command)
		}
	}
	if len(queryCmds) > 0 {
		handles, err := p.dispatcher.SubmitBatchWithContext(ctx, lane.Query, queryCmds)
		if err != nil {
			for _, i := range queryIdx {
				results[i].Err = err
			}
		} else {
			for j, h := range handles {
				async = append(async, submitted{index: queryIdx[j], handle: h})
			}
		}
	}

	// Control and generation operations are independent of each other;
	// submit them up front and let their lanes arbitrate.
	for i, op := range ops {
		laneName := LaneForKind(op.Kind)
		if laneName == lane.Query || laneName == lane.Skill {
			continue
		}
		h, err := p.dispatcher.SubmitWithContext(ctx, laneName, op.Command)
		if err != nil {
			results[i].Err = err
			continue
		}
		async = append(async, submitted{index: i, handle: h})
	}

	// Side-effecting operations run strictly sequentially in original
	// order; each submission waits for the previous result before it is
	// issued at all.
	for i, op := range ops {
		if !IsExecuteKind(op.Kind) {
			continue
		}
		h, err := p.dispatcher.SubmitWithContext(ctx, lane.Skill, op.Command)
		if err != nil {
			results[i].Err = err
			continue
		}
		value, werr := h.Wait(ctx)
		results[i].Value = value
		results[i].Err = werr
	}

	for _, s := range async {
		value, werr := s.handle.Wait(ctx)
		results[s.index].Value = value
		results[s.index].Err = werr
	}

	logger.Debug().Int("ops", len(ops)).Msg("Batch completed")
	return results
}

// runsInline reports whether the batch skips queue submission entirely.
func (p *Partitioner) runsInline(ops []Op) bool {
	if len(ops) < p.cfg.InlineThreshold {
		return true
	}
	if len(p.trivial) == 0 {
		return false
	}
	for _, op := range ops {
		if !p.trivial[op.Kind] {
			return false
		}
	}
	return true
}

func (p *Partitioner) runInline(ctx context.Context, ops []Op) []OpResult {
	results := make([]OpResult, len(ops))
	for i, op := range ops {
		value, err := op.Command.Execute(ctx)
		results[i] = OpResult{Index: i, Value: value, Err: err}
	}
	return results
}
