// Package lane provides a priority-based, multi-lane command scheduler for
// a single session's heterogeneous work: control signals, read-only queries,
// side-effecting execution, and generation calls.
//
// Invariants:
// - A command is in exactly one of the pending, running, or terminal states.
// - Running count per lane never exceeds the lane's max concurrency.
// - Pending commands in a higher-priority lane are admitted before pending
//   commands in lower-priority lanes; in-flight work is never interrupted.
// - An envelope's effective priority only ever rises (aging), never falls.
// - A handle resolves exactly once.
//
// Usage:
//
//	table, _ := lane.DefaultTable()
//	d := lane.NewDispatcher(table)
//	d.Start()
//	defer d.Close()
//	h, _ := d.Submit(lane.Query, lane.CommandFunc("read", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}))
//	result, err := h.Wait(context.Background())
package lane
