package lane

import "context"

// Command is an opaque async unit of work supplied by the caller. Execute
// runs to completion or error and must observe ctx for cooperative
// cancellation and per-attempt timeouts; cancellation is advisory, never
// forced.
type Command interface {
	Execute(ctx context.Context) (interface{}, error)

	// CommandType identifies the command for logging and external hand-off.
	CommandType() string
}

// PayloadProvider is optionally implemented by commands whose payload must
// be visible to out-of-process workers claiming external tasks.
type PayloadProvider interface {
	Payload() map[string]interface{}
}

type commandFunc struct {
	typ     string
	payload map[string]interface{}
	fn      func(ctx context.Context) (interface{}, error)
}

func (c *commandFunc) Execute(ctx context.Context) (interface{}, error) { return c.fn(ctx) }
func (c *commandFunc) CommandType() string                              { return c.typ }

func (c *commandFunc) Payload() map[string]interface{} {
	if c.payload == nil {
		return map[string]interface{}{}
	}
	return c.payload
}

// CommandFunc adapts a function into a Command.
func CommandFunc(commandType string, fn func(ctx context.Context) (interface{}, error)) Command {
	return &commandFunc{typ: commandType, fn: fn}
}

// CommandFuncWithPayload adapts a function into a Command carrying a payload
// for external workers.
func CommandFuncWithPayload(commandType string, payload map[string]interface{}, fn func(ctx context.Context) (interface{}, error)) Command {
	return &commandFunc{typ: commandType, payload: payload, fn: fn}
}
