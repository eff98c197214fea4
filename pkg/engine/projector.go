package engine

import "github.com/agentx-dev/agentx/pkg/event"

type projectorState struct {
	current event.State
}

// stateProjector maps raw event kinds onto the coarse agent states and emits
// a StateEvent on every actual transition. Self-transitions are suppressed so
// a long run of text deltas produces one "responding" event, not hundreds.
type stateProjector struct{}

func (stateProjector) name() string { return "projector" }

func (stateProjector) snapshot(st *agentState) any {
	return st.proj
}

func (stateProjector) restore(st *agentState, snap any) {
	st.proj = snap.(projectorState)
}

func (stateProjector) finish(st *agentState) ([]event.Event, error) { return nil, nil }

func (stateProjector) handle(st *agentState, in event.Event) ([]event.Event, error) {
	raw, ok := in.(event.Raw)
	if !ok {
		return nil, nil
	}

	next := stateFor(raw)
	if next == "" || next == st.proj.current {
		return nil, nil
	}
	st.proj.current = next

	return []event.Event{event.StateEvent{
		AgentID:      st.agentID,
		State:        next,
		Timestamp:    tsOrNow(raw.Timestamp),
		CauseEventID: raw.ID,
	}}, nil
}

// stateFor is the raw-kind to coarse-state table. Kinds carrying no state
// signal map to the empty string and are skipped.
func stateFor(raw event.Raw) event.State {
	switch raw.Kind {
	case event.RawTurnRequest, event.RawMessageStart:
		return event.StateThinking
	case event.RawTextDelta:
		return event.StateResponding
	case event.RawToolUseStart, event.RawInputJSONDelta:
		return event.StatePlanningTool
	case event.RawToolUseStop:
		return event.StateAwaitingTool
	case event.RawToolResult:
		return event.StateThinking
	case event.RawMessageStop:
		if raw.StopReason() == event.StopToolUse {
			return event.StateAwaitingTool
		}
		return event.StateIdle
	case event.RawInterrupted:
		return event.StateIdle
	case event.RawErrorReceived:
		return event.StateError
	default:
		return ""
	}
}
