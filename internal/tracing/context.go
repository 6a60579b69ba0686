package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// TaskIDKey is the context key for the scheduler task ID
	TaskIDKey ContextKey = "task_id"
	// LaneKey is the context key for the lane a task runs in
	LaneKey ContextKey = "lane"
	// BatchIDKey is the context key for the partition batch ID
	BatchIDKey ContextKey = "batch_id"
)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithTaskID adds a task ID to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// WithLane adds a lane name to the context
func WithLane(ctx context.Context, lane string) context.Context {
	return context.WithValue(ctx, LaneKey, lane)
}

// WithBatchID adds a partition batch ID to the context
func WithBatchID(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, BatchIDKey, batchID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetTaskID retrieves the task ID from the context
func GetTaskID(ctx context.Context) string {
	if taskID, ok := ctx.Value(TaskIDKey).(string); ok {
		return taskID
	}
	return ""
}

// GetLane retrieves the lane name from the context
func GetLane(ctx context.Context) string {
	if lane, ok := ctx.Value(LaneKey).(string); ok {
		return lane
	}
	return ""
}

// GetBatchID retrieves the partition batch ID from the context
func GetBatchID(ctx context.Context) string {
	if batchID, ok := ctx.Value(BatchIDKey).(string); ok {
		return batchID
	}
	return ""
}

// LoggerFromContext returns base enriched with whatever tracing fields the
// context carries.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	logCtx := base.With()
	if traceID := GetTraceID(ctx); traceID != "" {
		logCtx = logCtx.Str("trace_id", traceID)
	}
	if taskID := GetTaskID(ctx); taskID != "" {
		logCtx = logCtx.Str("task_id", taskID)
	}
	if lane := GetLane(ctx); lane != "" {
		logCtx = logCtx.Str("lane", lane)
	}
	if batchID := GetBatchID(ctx); batchID != "" {
		logCtx = logCtx.Str("batch_id", batchID)
	}
	return logCtx.Logger()
}
