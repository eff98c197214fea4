// Package event defines the event vocabulary of the agentx runtime.
//
// Events are layered: raw stream events arrive from the inference engine,
// and the transformation engine derives three event kinds from them: state
// transitions, assembled messages, and turn summaries. All derived events
// implement the Event interface and can be published on the bus and
// serialized with the NDJSON wire codec in this package.
package event

// Type identifies a derived event kind on the wire and on the bus.
type Type string

const (
	// TypeRaw is an unprocessed stream event from the inference engine.
	TypeRaw Type = "raw"
	// TypeState is a coarse agent state transition.
	TypeState Type = "state"
	// TypeMessage is a fully assembled conversation message.
	TypeMessage Type = "message"
	// TypeTurn is a summary of one request/response cycle.
	TypeTurn Type = "turn"
)

// Event is the closed union of events flowing through the runtime.
// Exactly four types implement it: Raw, StateEvent, MessageEvent, TurnEvent.
type Event interface {
	// EventType returns the wire type tag.
	EventType() Type
	// Agent returns the owning agent identifier.
	Agent() string
}

// State is the coarse agent state enumeration.
type State string

const (
	StateIdle         State = "idle"
	StateThinking     State = "thinking"
	StateResponding   State = "responding"
	StatePlanningTool State = "planning_tool"
	StateAwaitingTool State = "awaiting_tool"
	StateError        State = "error"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartKind tags a ContentPart variant.
type PartKind string

const (
	PartText       PartKind = "text"
	PartToolUse    PartKind = "tool_use"
	PartToolResult PartKind = "tool_result"
	PartBlob       PartKind = "blob"
)

// ContentPart is one element of a message body. Kind selects the variant;
// only the fields belonging to that variant are populated.
type ContentPart struct {
	Kind PartKind `json:"kind"`

	// Text variant.
	Text string `json:"text,omitempty"`

	// Tool use / tool result variants.
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Result     any            `json:"result,omitempty"`
	IsError    bool           `json:"isError,omitempty"`

	// Blob variant: opaque reference to binary content stored elsewhere.
	BlobRef   string `json:"blobRef,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: PartText, Text: text}
}

// ToolUsePart builds a tool invocation content part.
func ToolUsePart(callID, name string, input map[string]any) ContentPart {
	return ContentPart{Kind: PartToolUse, ToolCallID: callID, ToolName: name, Input: input}
}

// ToolResultPart builds a tool result content part.
func ToolResultPart(callID string, result any, isError bool) ContentPart {
	return ContentPart{Kind: PartToolResult, ToolCallID: callID, Result: result, IsError: isError}
}

// StateEvent reports a coarse agent state transition.
type StateEvent struct {
	AgentID string `json:"agentId"`
	State   State  `json:"state"`
	// Timestamp is Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	// CauseEventID is the ID of the raw event that caused the transition.
	CauseEventID string `json:"causeEventId,omitempty"`
}

func (StateEvent) EventType() Type { return TypeState }
func (e StateEvent) Agent() string { return e.AgentID }

// MessageEvent carries a fully assembled message.
type MessageEvent struct {
	AgentID   string        `json:"agentId"`
	MessageID string        `json:"messageId"`
	Role      Role          `json:"role"`
	Content   []ContentPart `json:"content"`
	Timestamp int64         `json:"timestamp"`
}

func (MessageEvent) EventType() Type { return TypeMessage }
func (e MessageEvent) Agent() string { return e.AgentID }

// ToolCallRecord summarizes one tool invocation within a turn.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    any            `json:"result,omitempty"`
	IsError   bool           `json:"isError,omitempty"`
}

// TurnEvent summarizes one complete request/response cycle.
type TurnEvent struct {
	AgentID      string           `json:"agentId"`
	TurnID       string           `json:"turnId"`
	MessageID    string           `json:"messageId"`
	InputTokens  int              `json:"inputTokens"`
	OutputTokens int              `json:"outputTokens"`
	DurationMs   int64            `json:"durationMs"`
	ToolCalls    []ToolCallRecord `json:"toolCalls,omitempty"`
	Errors       []string         `json:"errors,omitempty"`
}

func (TurnEvent) EventType() Type { return TypeTurn }
func (e TurnEvent) Agent() string { return e.AgentID }
