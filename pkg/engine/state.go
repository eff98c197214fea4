package engine

import (
	"time"

	"github.com/agentx-dev/agentx/pkg/event"
)

// agentState is the per-agent processing state. The engine owns it and only
// touches it under the agent's slot lock. Each stage mutates its own section
// and reads nothing else, so a failed stage can be rolled back without
// disturbing the others.
type agentState struct {
	agentID string

	asm  assemblerState
	proj projectorState
	turn turnState
}

func newAgentState(agentID string) *agentState {
	return &agentState{
		agentID: agentID,
		proj:    projectorState{current: event.StateIdle},
	}
}

// tsOrNow prefers the raw event's timestamp so that replaying a recorded
// stream reproduces the original derived events.
func tsOrNow(ts int64) int64 {
	if ts > 0 {
		return ts
	}
	return time.Now().UnixMilli()
}
