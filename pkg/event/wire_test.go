package event

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestMarshalStateEventShape(t *testing.T) {
	data, err := Marshal(StateEvent{
		AgentID:   "a1",
		State:     StateThinking,
		Timestamp: 1712000000000,
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if obj["type"] != "state" {
		t.Errorf("type = %v, want state", obj["type"])
	}
	if obj["agentId"] != "a1" {
		t.Errorf("agentId = %v, want a1", obj["agentId"])
	}
	if obj["state"] != "thinking" {
		t.Errorf("state = %v, want thinking", obj["state"])
	}
}

func TestWireRoundTrip(t *testing.T) {
	events := []Event{
		StateEvent{AgentID: "a1", State: StateResponding, Timestamp: 100, CauseEventID: "raw-1"},
		MessageEvent{
			AgentID:   "a1",
			MessageID: "m1",
			Role:      RoleAssistant,
			Content: []ContentPart{
				TextPart("Hello world"),
				ToolUsePart("call-1", "search", map[string]any{"query": "go"}),
			},
			Timestamp: 101,
		},
		TurnEvent{
			AgentID:      "a1",
			TurnID:       "t1",
			MessageID:    "m1",
			InputTokens:  12,
			OutputTokens: 40,
			DurationMs:   1350,
			ToolCalls:    []ToolCallRecord{{ID: "call-1", Name: "search"}},
		},
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, ev := range events {
		if err := w.Write(ev); err != nil {
			t.Fatalf("Write(%s) error = %v", ev.EventType(), err)
		}
	}

	// One JSON object per line, parseable back into the same types.
	scanner := bufio.NewScanner(&buf)
	var got []Event
	for scanner.Scan() {
		ev, err := Unmarshal(scanner.Bytes())
		if err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		got = append(got, ev)
	}
	if len(got) != len(events) {
		t.Fatalf("decoded %d events, want %d", len(got), len(events))
	}
	for i, ev := range got {
		if ev.EventType() != events[i].EventType() {
			t.Errorf("event %d type = %s, want %s", i, ev.EventType(), events[i].EventType())
		}
		if ev.Agent() != "a1" {
			t.Errorf("event %d agent = %s, want a1", i, ev.Agent())
		}
	}

	msg, ok := got[1].(MessageEvent)
	if !ok {
		t.Fatalf("event 1 is %T, want MessageEvent", got[1])
	}
	if len(msg.Content) != 2 || msg.Content[0].Text != "Hello world" {
		t.Errorf("message content not preserved: %+v", msg.Content)
	}
	if msg.Content[1].Kind != PartToolUse || msg.Content[1].ToolName != "search" {
		t.Errorf("tool use part not preserved: %+v", msg.Content[1])
	}
}

func TestMarshalRejectsRaw(t *testing.T) {
	if _, err := Marshal(Raw{Kind: RawTextDelta, AgentID: "a1"}); err == nil {
		t.Fatal("Marshal(Raw) should fail, raw events have no wire form")
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"type":"bogus"}`)); err == nil || !strings.Contains(err.Error(), "unknown") {
		t.Fatalf("Unmarshal unknown type error = %v", err)
	}
}

func TestReadRawStreamSkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"kind":"text_delta","agentId":"a1","payload":{"text":"hi"}}`,
		`this is not json`,
		``,
		`{"kind":"message_stop","agentId":"a1","payload":{"stop_reason":"end_turn"}}`,
	}, "\n")

	ch := make(chan Raw, 4)
	err := ReadRawStream(context.Background(), strings.NewReader(input), ch)
	if err != nil {
		t.Fatalf("ReadRawStream() error = %v", err)
	}
	close(ch)

	var got []Raw
	for raw := range ch {
		got = append(got, raw)
	}
	if len(got) != 2 {
		t.Fatalf("decoded %d raw events, want 2", len(got))
	}
	if got[0].Kind != RawTextDelta || got[0].Text() != "hi" {
		t.Errorf("first raw event not preserved: %+v", got[0])
	}
	if got[1].Kind != RawMessageStop {
		t.Errorf("second raw event = %s, want message_stop", got[1].Kind)
	}
}

func TestReadRawStreamObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Unbuffered channel: the send must take the cancellation branch.
	ch := make(chan Raw)
	err := ReadRawStream(ctx, strings.NewReader(`{"kind":"text_delta","agentId":"a1"}`+"\n"), ch)
	if err != context.Canceled {
		t.Fatalf("ReadRawStream() error = %v, want context.Canceled", err)
	}
}

func TestRawPayloadCoercion(t *testing.T) {
	tests := []struct {
		name string
		raw  Raw
		want func(t *testing.T, r Raw)
	}{
		{
			name: "nil payload",
			raw:  Raw{Kind: RawTextDelta},
			want: func(t *testing.T, r Raw) {
				if r.Text() != "" || r.InputTokens() != 0 {
					t.Error("nil payload should coerce to zero values")
				}
			},
		},
		{
			name: "wrong types",
			raw:  Raw{Kind: RawTextDelta, Payload: map[string]any{"text": 42, "input_tokens": "many"}},
			want: func(t *testing.T, r Raw) {
				if r.Text() != "" || r.InputTokens() != 0 {
					t.Error("mistyped payload fields should coerce to zero values")
				}
			},
		},
		{
			name: "json numbers",
			raw:  Raw{Kind: RawMessageStart, Payload: map[string]any{"input_tokens": float64(17)}},
			want: func(t *testing.T, r Raw) {
				if r.InputTokens() != 17 {
					t.Errorf("InputTokens() = %d, want 17", r.InputTokens())
				}
			},
		},
		{
			name: "default stop reason",
			raw:  Raw{Kind: RawMessageStop},
			want: func(t *testing.T, r Raw) {
				if r.StopReason() != StopEndTurn {
					t.Errorf("StopReason() = %s, want %s", r.StopReason(), StopEndTurn)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.want(t, tt.raw)
		})
	}
}
