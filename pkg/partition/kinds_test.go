package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harun/laneq/pkg/lane"
)

func TestLaneForKind_Mappings(t *testing.T) {
	queries := []string{"read", "glob", "ls", "grep", "list_files", "search"}
	for _, kind := range queries {
		assert.Equal(t, lane.Query, LaneForKind(kind), kind)
		assert.True(t, IsQueryKind(kind), kind)
	}

	executes := []string{"bash", "write", "edit", "delete", "move", "copy", "execute"}
	for _, kind := range executes {
		assert.Equal(t, lane.Skill, LaneForKind(kind), kind)
		assert.True(t, IsExecuteKind(kind), kind)
	}

	assert.Equal(t, lane.Prompt, LaneForKind("generate"))
	assert.Equal(t, lane.Prompt, LaneForKind("prompt"))
	assert.Equal(t, lane.Control, LaneForKind("pause"))
	assert.Equal(t, lane.Control, LaneForKind("resume"))
	assert.Equal(t, lane.Control, LaneForKind("cancel"))
}

func TestLaneForKind_UnknownDefaultsToSkill(t *testing.T) {
	assert.Equal(t, lane.Skill, LaneForKind("frobnicate"))
	assert.True(t, IsExecuteKind("frobnicate"))
	assert.False(t, IsQueryKind("frobnicate"))
}
