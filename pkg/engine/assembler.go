package engine

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/agentx-dev/agentx/pkg/event"
)

// assemblerState buffers streamed content until a message boundary.
type assemblerState struct {
	seq     int
	pending string
	parts   []event.ContentPart

	toolActive bool
	toolCallID string
	toolName   string
	toolJSON   string
}

// messageAssembler turns text deltas and tool signals into complete
// MessageEvents. Buffered text is finalized by an explicit final flag, a
// message_stop, or a tool-call boundary, whichever comes first.
type messageAssembler struct{}

func (messageAssembler) name() string { return "assembler" }

func (messageAssembler) snapshot(st *agentState) any {
	snap := st.asm
	snap.parts = append([]event.ContentPart(nil), st.asm.parts...)
	return snap
}

func (messageAssembler) restore(st *agentState, snap any) {
	st.asm = snap.(assemblerState)
}

func (messageAssembler) finish(st *agentState) ([]event.Event, error) { return nil, nil }

func (a messageAssembler) handle(st *agentState, in event.Event) ([]event.Event, error) {
	raw, ok := in.(event.Raw)
	if !ok {
		return nil, nil
	}
	s := &st.asm

	switch raw.Kind {
	case event.RawMessageStart:
		// Anything still buffered belongs to a stream that never closed.
		s.pending = ""
		s.parts = nil
		s.toolActive = false

	case event.RawTextDelta:
		s.pending += raw.Text()
		if raw.Final() {
			return a.finalize(st, raw.Timestamp), nil
		}

	case event.RawToolUseStart:
		// Flush buffered text as its own message before the tool part opens.
		out := a.finalize(st, raw.Timestamp)
		s.toolActive = true
		s.toolCallID = raw.ToolCallID()
		s.toolName = raw.ToolName()
		s.toolJSON = ""
		return out, nil

	case event.RawInputJSONDelta:
		if s.toolActive {
			s.toolJSON += raw.PartialJSON()
		}

	case event.RawToolUseStop:
		if s.toolActive {
			s.parts = append(s.parts, event.ToolUsePart(s.toolCallID, s.toolName, a.toolInput(raw, s)))
			s.toolActive = false
		}
		// Emit the invocation immediately so consumers see a complete call
		// without waiting for message_stop.
		return a.finalize(st, raw.Timestamp), nil

	case event.RawToolResult:
		result, isErr := raw.ToolResult()
		s.seq++
		return []event.Event{event.MessageEvent{
			AgentID:   st.agentID,
			MessageID: messageID(st.agentID, s.seq),
			Role:      event.RoleUser,
			Content:   []event.ContentPart{event.ToolResultPart(raw.ToolCallID(), result, isErr)},
			Timestamp: tsOrNow(raw.Timestamp),
		}}, nil

	case event.RawMessageStop, event.RawInterrupted:
		return a.finalize(st, raw.Timestamp), nil
	}
	return nil, nil
}

// toolInput prefers a parsed input payload and falls back to the accumulated
// JSON fragments. Malformed fragments are kept verbatim rather than dropped.
func (messageAssembler) toolInput(raw event.Raw, s *assemblerState) map[string]any {
	if input := raw.ToolInput(); input != nil {
		return input
	}
	if s.toolJSON == "" {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(s.toolJSON), &input); err != nil {
		log.Printf("engine: malformed tool input for call %s: %v", s.toolCallID, err)
		return map[string]any{"raw": s.toolJSON}
	}
	return input
}

func (messageAssembler) finalize(st *agentState, ts int64) []event.Event {
	s := &st.asm
	if s.pending != "" {
		s.parts = append(s.parts, event.TextPart(s.pending))
		s.pending = ""
	}
	if len(s.parts) == 0 {
		return nil
	}

	s.seq++
	msg := event.MessageEvent{
		AgentID:   st.agentID,
		MessageID: messageID(st.agentID, s.seq),
		Role:      event.RoleAssistant,
		Content:   s.parts,
		Timestamp: tsOrNow(ts),
	}
	s.parts = nil
	return []event.Event{msg}
}

// messageID is deterministic per agent so that replaying a raw stream after
// a reset reproduces the identical derived events.
func messageID(agentID string, seq int) string {
	return fmt.Sprintf("msg-%s-%d", agentID, seq)
}
