package lane

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DeadLetter is a terminal, permanently-failed envelope retained for
// operator inspection. Entries are immutable once written and removed only
// by an explicit purge.
type DeadLetter struct {
	TaskID      string    `json:"task_id"`
	Lane        string    `json:"lane"`
	CommandType string    `json:"command_type"`
	Error       string    `json:"error"`
	Attempts    []Attempt `json:"attempts"`
	FailedAt    time.Time `json:"failed_at"`
}

// DeadLetterStore optionally persists dead letters outside the process.
type DeadLetterStore interface {
	Append(entry DeadLetter) error
	List(laneName string, limit int) ([]DeadLetter, error)
	Purge() (int, error)
	Close() error
}

const defaultDLQCapacity = 1000

// DeadLetterQueue is an append-only, capacity-bounded store of permanently
// failed commands. Writes are rare by construction, so a single lock is
// enough.
type DeadLetterQueue struct {
	mu       sync.Mutex
	entries  []DeadLetter
	capacity int
	store    DeadLetterStore
	onChange func(laneName string, delta int64)
}

// NewDeadLetterQueue builds a DLQ holding at most capacity entries; the
// oldest entry is dropped when the cap is reached. A capacity of zero or
// less uses the default of 1000.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	if capacity <= 0 {
		capacity = defaultDLQCapacity
	}
	return &DeadLetterQueue{capacity: capacity}
}

func (q *DeadLetterQueue) setStore(store DeadLetterStore) {
	q.mu.Lock()
	q.store = store
	q.mu.Unlock()
}

func (q *DeadLetterQueue) add(entry DeadLetter) {
	q.mu.Lock()
	var evicted *DeadLetter
	if len(q.entries) >= q.capacity {
		e := q.entries[0]
		evicted = &e
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
	store := q.store
	q.mu.Unlock()

	log.Warn().
		Str("lane", entry.Lane).
		Str("taskId", entry.TaskID).
		Str("commandType", entry.CommandType).
		Int("attempts", len(entry.Attempts)).
		Str("error", entry.Error).
		Msg("Command dead-lettered")

	if q.onChange != nil {
		q.onChange(entry.Lane, 1)
		if evicted != nil {
			q.onChange(evicted.Lane, -1)
		}
	}

	if store != nil {
		if err := store.Append(entry); err != nil {
			log.Error().Err(err).Str("taskId", entry.TaskID).Msg("Failed to persist dead letter")
		}
	}
}

// List returns up to limit entries for a lane, newest first. An empty lane
// name matches all lanes; a limit of zero or less returns everything.
// Returned entries are copies; the queue itself is never exposed.
func (q *DeadLetterQueue) List(laneName string, limit int) []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetter, 0, len(q.entries))
	for i := len(q.entries) - 1; i >= 0; i-- {
		if laneName != "" && q.entries[i].Lane != laneName {
			continue
		}
		entry := q.entries[i]
		entry.Attempts = append([]Attempt(nil), entry.Attempts...)
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Size returns the number of retained entries.
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Purge removes all entries. This is the only way entries leave the queue.
func (q *DeadLetterQueue) Purge() int {
	q.mu.Lock()
	removed := q.entries
	q.entries = nil
	store := q.store
	q.mu.Unlock()

	if q.onChange != nil {
		for _, entry := range removed {
			q.onChange(entry.Lane, -1)
		}
	}
	if store != nil {
		if _, err := store.Purge(); err != nil {
			log.Error().Err(err).Msg("Failed to purge persisted dead letters")
		}
	}

	log.Info().Int("removed", len(removed)).Msg("Dead letter queue purged")
	return len(removed)
}
