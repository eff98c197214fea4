package event

// RawKind identifies a raw stream event from the inference engine.
// The vocabulary is closed: the transformation stages switch exhaustively
// on it, so adding a kind is a compile-visible change.
type RawKind string

const (
	RawMessageStart   RawKind = "message_start"
	RawMessageDelta   RawKind = "message_delta"
	RawMessageStop    RawKind = "message_stop"
	RawTextDelta      RawKind = "text_delta"
	RawToolUseStart   RawKind = "tool_use_start"
	RawInputJSONDelta RawKind = "input_json_delta"
	RawToolUseStop    RawKind = "tool_use_stop"
	RawToolResult     RawKind = "tool_result"
	RawInterrupted    RawKind = "interrupted"
	RawErrorReceived  RawKind = "error_received"
	RawTurnRequest    RawKind = "turn_request"
)

// Stop reasons carried by message_stop payloads.
const (
	StopEndTurn      = "end_turn"
	StopToolUse      = "tool_use"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
)

// Raw is an unprocessed signal from the inference engine. Raw events are
// ephemeral: they drive the transformation engine and are never persisted.
// The payload shape depends on Kind; the accessors below coerce missing or
// malformed payload fields to zero values rather than failing.
type Raw struct {
	ID        string         `json:"id,omitempty"`
	Kind      RawKind        `json:"kind"`
	AgentID   string         `json:"agentId"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (Raw) EventType() Type { return TypeRaw }
func (r Raw) Agent() string { return r.AgentID }

// Text returns the text fragment of a text_delta payload.
func (r Raw) Text() string { return r.str("text") }

// Final reports whether a text_delta payload carries the final flag.
func (r Raw) Final() bool {
	if r.Payload == nil {
		return false
	}
	b, _ := r.Payload["final"].(bool)
	return b
}

// PartialJSON returns the argument fragment of an input_json_delta payload.
func (r Raw) PartialJSON() string { return r.str("partial_json") }

// StopReason returns the stop reason of a message_stop payload,
// defaulting to end_turn.
func (r Raw) StopReason() string {
	if s := r.str("stop_reason"); s != "" {
		return s
	}
	return StopEndTurn
}

// ToolCallID returns the tool call identifier of a tool payload.
func (r Raw) ToolCallID() string { return r.str("tool_call_id") }

// ToolName returns the tool name of a tool payload.
func (r Raw) ToolName() string { return r.str("tool_name") }

// ToolInput returns the parsed input of a tool_use_stop payload.
func (r Raw) ToolInput() map[string]any {
	if r.Payload == nil {
		return nil
	}
	if m, ok := r.Payload["input"].(map[string]any); ok {
		return m
	}
	return nil
}

// ToolResult returns the result value and error flag of a tool_result payload.
func (r Raw) ToolResult() (result any, isError bool) {
	if r.Payload == nil {
		return nil, false
	}
	result = r.Payload["result"]
	isError, _ = r.Payload["is_error"].(bool)
	return result, isError
}

// InputTokens returns the input token count of a message_start payload.
func (r Raw) InputTokens() int { return r.num("input_tokens") }

// OutputTokens returns the output token count of a message_delta payload.
func (r Raw) OutputTokens() int { return r.num("output_tokens") }

// ErrorMessage returns the message of an error_received payload.
func (r Raw) ErrorMessage() string { return r.str("message") }

func (r Raw) str(key string) string {
	if r.Payload == nil {
		return ""
	}
	s, _ := r.Payload[key].(string)
	return s
}

// num coerces a payload field to int. JSON decoding produces float64,
// hand-built payloads may carry int or int64.
func (r Raw) num(key string) int {
	if r.Payload == nil {
		return 0
	}
	switch v := r.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
