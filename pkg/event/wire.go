package event

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
)

// Wire codec: derived events serialize as one JSON object per line, with a
// "type" discriminator merged into the object:
//
//	{"type":"state","agentId":"a1","state":"thinking","timestamp":1712000000000}
//	{"type":"message","agentId":"a1","messageId":"m1","role":"assistant","content":[...]}
//	{"type":"turn","agentId":"a1","turnId":"t1","inputTokens":12,"outputTokens":40,"durationMs":1350}

type wireState struct {
	Type Type `json:"type"`
	StateEvent
}

type wireMessage struct {
	Type Type `json:"type"`
	MessageEvent
}

type wireTurn struct {
	Type Type `json:"type"`
	TurnEvent
}

// Marshal serializes a derived event to its wire form (no trailing newline).
// Raw events have no wire form and are rejected.
func Marshal(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case StateEvent:
		return json.Marshal(wireState{Type: TypeState, StateEvent: ev})
	case *StateEvent:
		return json.Marshal(wireState{Type: TypeState, StateEvent: *ev})
	case MessageEvent:
		return json.Marshal(wireMessage{Type: TypeMessage, MessageEvent: ev})
	case *MessageEvent:
		return json.Marshal(wireMessage{Type: TypeMessage, MessageEvent: *ev})
	case TurnEvent:
		return json.Marshal(wireTurn{Type: TypeTurn, TurnEvent: ev})
	case *TurnEvent:
		return json.Marshal(wireTurn{Type: TypeTurn, TurnEvent: *ev})
	default:
		return nil, fmt.Errorf("event type %q has no wire form", e.EventType())
	}
}

// Unmarshal parses one wire line back into a derived event.
func Unmarshal(line []byte) (Event, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, fmt.Errorf("parse wire event: %w", err)
	}

	switch probe.Type {
	case TypeState:
		var ev StateEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("parse state event: %w", err)
		}
		return ev, nil
	case TypeMessage:
		var ev MessageEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("parse message event: %w", err)
		}
		return ev, nil
	case TypeTurn:
		var ev TurnEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("parse turn event: %w", err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown wire event type %q", probe.Type)
	}
}

// ReadRawStream decodes newline-delimited raw events from r into ch until
// EOF or ctx cancellation. Malformed lines are logged and skipped, never
// fatal; a stalled producer is survivable, a crashed reader is not.
func ReadRawStream(ctx context.Context, r io.Reader, ch chan<- Raw) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw Raw
		if err := json.Unmarshal(line, &raw); err != nil {
			log.Printf("raw stream: skipping malformed line: %v", err)
			continue
		}

		select {
		case ch <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// Writer streams derived events as newline-delimited JSON.
// Writer is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriter creates a wire writer on top of w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write serializes one event followed by a newline and flushes.
func (w *Writer) Write(e Event) error {
	data, err := Marshal(e)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("write wire event: %w", err)
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write wire event: %w", err)
	}
	return w.w.Flush()
}
