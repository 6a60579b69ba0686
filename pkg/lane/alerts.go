package lane

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Alert levels reported through EventAlert events.
const (
	AlertLevelWarning  = "warning"
	AlertLevelCritical = "critical"
)

// alertManager watches per-lane queue depth against warning and critical
// thresholds and emits an alert event once per upward level crossing.
type alertManager struct {
	warning  int
	critical int

	mu    sync.Mutex
	level map[string]int // 0 = ok, 1 = warning, 2 = critical
}

func newAlertManager(warning, critical int) *alertManager {
	return &alertManager{
		warning:  warning,
		critical: critical,
		level:    make(map[string]int),
	}
}

func (a *alertManager) observeDepth(laneName string, depth int, emit func(Event)) {
	next := 0
	switch {
	case depth >= a.critical:
		next = 2
	case depth >= a.warning:
		next = 1
	}

	a.mu.Lock()
	prev := a.level[laneName]
	a.level[laneName] = next
	a.mu.Unlock()

	if next <= prev {
		return
	}

	level := AlertLevelWarning
	if next == 2 {
		level = AlertLevelCritical
	}
	log.Warn().
		Str("lane", laneName).
		Int("depth", depth).
		Str("level", level).
		Msg("Queue depth threshold crossed")
	emit(Event{
		Type: EventAlert,
		Lane: laneName,
		Data: map[string]interface{}{
			"level": level,
			"depth": depth,
		},
	})
}
