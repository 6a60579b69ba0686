package partition

import (
	"github.com/harun/laneq/pkg/lane"
)

// Operation kinds group caller requests into lanes. The mapping is static:
// the kind set is small and known up front, so a table beats open
// registration.
var kindToLane = map[string]string{
	// Read-only, query-like kinds.
	"read":       lane.Query,
	"glob":       lane.Query,
	"ls":         lane.Query,
	"grep":       lane.Query,
	"list_files": lane.Query,
	"search":     lane.Query,

	// Side-effecting kinds.
	"bash":    lane.Skill,
	"write":   lane.Skill,
	"edit":    lane.Skill,
	"delete":  lane.Skill,
	"move":    lane.Skill,
	"copy":    lane.Skill,
	"execute": lane.Skill,

	// Generation calls.
	"generate": lane.Prompt,
	"prompt":   lane.Prompt,

	// Administrative control signals.
	"pause":  lane.Control,
	"resume": lane.Control,
	"cancel": lane.Control,
}

// LaneForKind maps an operation kind to its lane. Unknown kinds default to
// the side-effecting lane: treating an unclassified operation as read-only
// would be the unsafe direction.
func LaneForKind(kind string) string {
	if laneName, ok := kindToLane[kind]; ok {
		return laneName
	}
	return lane.Skill
}

// IsQueryKind reports whether the kind maps to the query lane.
func IsQueryKind(kind string) bool {
	return LaneForKind(kind) == lane.Query
}

// IsExecuteKind reports whether the kind maps to the side-effecting lane.
func IsExecuteKind(kind string) bool {
	return LaneForKind(kind) == lane.Skill
}
