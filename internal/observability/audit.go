package observability

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/laneq/internal/tracing"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Lane      string                 `json:"lane,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Action    string                 `json:"action"` // e.g., "command_submitted", "attempt_finished"
	Status    string                 `json:"status"` // "success", "failure", "pending"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger handles recording and persisting audit events
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditOnce sync.Once
	auditInst *AuditLogger
)

// GetAuditLogger returns the global audit logger instance
func GetAuditLogger() *AuditLogger {
	auditOnce.Do(func() {
		// Default to stderr if not initialized
		auditInst = &AuditLogger{
			logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
		}
	})
	return auditInst
}

// InitAuditLogger initializes the global audit logger with a specific file
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	return nil
}

// Record writes one audit event.
func (a *AuditLogger) Record(event AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Type == "" {
		event.Type = "scheduler_audit"
	}

	a.logger.Info().
		Str("event_type", event.Type).
		Str("lane", event.Lane).
		Str("task_id", event.TaskID).
		Str("action", event.Action).
		Str("status", event.Status).
		Str("trace_id", event.TraceID).
		Interface("metadata", event.Metadata).
		Msg("audit")
}

// Close releases the audit log file, if any.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// Audit records a scheduler audit event, pulling the trace id from ctx.
func Audit(ctx context.Context, action, lane, taskID, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(AuditEvent{
		Timestamp: time.Now(),
		Lane:      lane,
		TaskID:    taskID,
		Action:    action,
		Status:    status,
		Metadata:  metadata,
		TraceID:   tracing.GetTraceID(ctx),
	})
}
