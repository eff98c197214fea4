package engine

import (
	"fmt"

	"github.com/agentx-dev/agentx/pkg/event"
)

type turnState struct {
	seq       int
	turnID    string
	messageID string
	startMs   int64

	inputTokens  int
	outputTokens int
	toolCalls    []event.ToolCallRecord
	errors       []string

	// boundary marks that a turn-ending raw event arrived in the current
	// Process call. The TurnEvent itself is emitted in finish, after the
	// finalizing MessageEvent (which the assembler emits in the same call,
	// so it reaches this stage after the boundary raw) has been recorded.
	boundary   bool
	boundaryTs int64
}

// turnTracker accumulates token usage, tool-call records and errors across a
// turn and emits one TurnEvent at the turn boundary. It runs after the
// assembler, so it sees assembled MessageEvents in the same call and can
// record tool invocations with their fully parsed arguments.
type turnTracker struct{}

func (turnTracker) name() string { return "turn" }

func (turnTracker) snapshot(st *agentState) any {
	snap := st.turn
	snap.toolCalls = append([]event.ToolCallRecord(nil), st.turn.toolCalls...)
	snap.errors = append([]string(nil), st.turn.errors...)
	return snap
}

func (turnTracker) restore(st *agentState, snap any) {
	st.turn = snap.(turnState)
}

func (t turnTracker) handle(st *agentState, in event.Event) ([]event.Event, error) {
	s := &st.turn

	switch ev := in.(type) {
	case event.MessageEvent:
		if ev.Role != event.RoleAssistant {
			return nil, nil
		}
		s.messageID = ev.MessageID
		for _, part := range ev.Content {
			if part.Kind == event.PartToolUse {
				s.toolCalls = append(s.toolCalls, event.ToolCallRecord{
					ID:        part.ToolCallID,
					Name:      part.ToolName,
					Arguments: part.Input,
				})
			}
		}
		return nil, nil

	case event.Raw:
		switch ev.Kind {
		case event.RawTurnRequest:
			t.begin(st, ev)

		case event.RawMessageStart:
			t.begin(st, ev)
			s.inputTokens += ev.InputTokens()

		case event.RawMessageDelta:
			s.outputTokens += ev.OutputTokens()

		case event.RawToolResult:
			result, isErr := ev.ToolResult()
			for i := range s.toolCalls {
				if s.toolCalls[i].ID == ev.ToolCallID() {
					s.toolCalls[i].Result = result
					s.toolCalls[i].IsError = isErr
					return nil, nil
				}
			}
			// Result for a call we never saw open. Keep it anyway.
			s.toolCalls = append(s.toolCalls, event.ToolCallRecord{
				ID:      ev.ToolCallID(),
				Result:  result,
				IsError: isErr,
			})

		case event.RawErrorReceived:
			s.errors = append(s.errors, ev.ErrorMessage())

		case event.RawMessageStop:
			// A tool_use stop pauses the turn for tool execution, it does
			// not end it.
			if ev.StopReason() != event.StopToolUse {
				s.boundary = true
				s.boundaryTs = ev.Timestamp
			}

		case event.RawInterrupted:
			s.boundary = true
			s.boundaryTs = ev.Timestamp
		}
	}
	return nil, nil
}

func (t turnTracker) finish(st *agentState) ([]event.Event, error) {
	s := &st.turn
	if !s.boundary {
		return nil, nil
	}
	return t.emit(st, s.boundaryTs), nil
}

func (turnTracker) begin(st *agentState, raw event.Raw) {
	s := &st.turn
	if s.turnID != "" {
		return
	}
	s.seq++
	s.turnID = fmt.Sprintf("turn-%s-%d", st.agentID, s.seq)
	s.startMs = tsOrNow(raw.Timestamp)
}

// emit closes the active turn and resets the turn-scoped fields. The seq
// counter survives so the next turn gets a fresh identifier.
func (turnTracker) emit(st *agentState, ts int64) []event.Event {
	s := &st.turn
	s.boundary = false
	s.boundaryTs = 0
	if s.turnID == "" {
		return nil
	}

	duration := tsOrNow(ts) - s.startMs
	if duration < 0 {
		duration = 0
	}
	ev := event.TurnEvent{
		AgentID:      st.agentID,
		TurnID:       s.turnID,
		MessageID:    s.messageID,
		InputTokens:  s.inputTokens,
		OutputTokens: s.outputTokens,
		DurationMs:   duration,
		ToolCalls:    s.toolCalls,
		Errors:       s.errors,
	}

	st.turn = turnState{seq: s.seq}
	return []event.Event{ev}
}
