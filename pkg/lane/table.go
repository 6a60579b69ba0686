package lane

import (
	"sort"
)

// LaneTable is the fixed, ordered lane set. Construction is the only
// mutation point; lookups afterwards are read-only and lock-free.
type LaneTable struct {
	byName map[string]LaneConfig
	// ordered holds lane names in ascending rank order.
	ordered []string
}

// NewLaneTable validates and builds a table from the given lane configs.
// It fails with a ConfigError on empty input, invalid bounds, duplicate
// names, or duplicate priority ranks.
func NewLaneTable(configs ...LaneConfig) (*LaneTable, error) {
	if len(configs) == 0 {
		return nil, &ConfigError{Reason: "at least one lane is required"}
	}

	byName := make(map[string]LaneConfig, len(configs))
	ranks := make(map[int]string, len(configs))
	for _, cfg := range configs {
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[cfg.Name]; dup {
			return nil, &ConfigError{Lane: cfg.Name, Reason: "duplicate lane name"}
		}
		if other, dup := ranks[cfg.Rank]; dup {
			return nil, &ConfigError{Lane: cfg.Name, Reason: "priority rank already used by lane " + other}
		}
		byName[cfg.Name] = cfg
		ranks[cfg.Rank] = cfg.Name
	}

	ordered := make([]string, 0, len(configs))
	for _, cfg := range configs {
		ordered = append(ordered, cfg.Name)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return byName[ordered[i]].Rank < byName[ordered[j]].Rank
	})

	return &LaneTable{byName: byName, ordered: ordered}, nil
}

// DefaultTable builds the generic six-lane table.
func DefaultTable() (*LaneTable, error) {
	return NewLaneTable(DefaultLaneConfigs()...)
}

// Lookup returns the config for a lane name.
func (t *LaneTable) Lookup(name string) (LaneConfig, bool) {
	cfg, ok := t.byName[name]
	return cfg, ok
}

// Names returns lane names in ascending rank order.
func (t *LaneTable) Names() []string {
	out := make([]string, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// Len returns the number of lanes.
func (t *LaneTable) Len() int { return len(t.ordered) }

// TopRank returns the most urgent rank in the table.
func (t *LaneTable) TopRank() int {
	return t.byName[t.ordered[0]].Rank
}
