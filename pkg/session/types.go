// Package session provides durable persistence for agent sessions.
// Sessions and their messages are stored on a pluggable key/value substrate
// (pkg/store) together with two secondary index families for fast lookup by
// template and by container.
package session

import (
	"time"

	"github.com/agentx-dev/agentx/pkg/event"
)

// Session is the durable aggregate for one conversation.
//
// Messages are persisted under a separate key and are not embedded in the
// primary record; use Repository.GetMessages to load them.
type Session struct {
	// SessionID is the unique session identifier.
	SessionID string `json:"sessionId"`
	// TemplateID identifies the agent template this session was created from.
	TemplateID string `json:"templateId"`
	// ContainerID identifies the container hosting the agent (optional).
	ContainerID string `json:"containerId,omitempty"`
	// Title is a human-readable session title (optional).
	Title string `json:"title,omitempty"`
	// InputTokens is the cumulative input token count across all turns.
	InputTokens int `json:"inputTokens"`
	// OutputTokens is the cumulative output token count across all turns.
	OutputTokens int `json:"outputTokens"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the session was last modified.
	UpdatedAt time.Time `json:"updatedAt"`
	// Metadata contains optional session metadata.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Messages is the in-memory message list used by Save. It is persisted
	// under its own key, never inside the primary record.
	Messages []Message `json:"-"`
}

// Message is the persisted form of an assembled message event.
type Message struct {
	// MessageID is the unique message identifier.
	MessageID string `json:"messageId"`
	// Role identifies the author.
	Role event.Role `json:"role"`
	// Content is the ordered list of content parts.
	Content []event.ContentPart `json:"content"`
	// Timestamp is Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// MessageFromEvent converts a derived message event to its persisted form.
func MessageFromEvent(ev event.MessageEvent) Message {
	return Message{
		MessageID: ev.MessageID,
		Role:      ev.Role,
		Content:   ev.Content,
		Timestamp: ev.Timestamp,
	}
}
