package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx-dev/agentx/pkg/bus"
	"github.com/agentx-dev/agentx/pkg/engine"
	"github.com/agentx-dev/agentx/pkg/event"
	"github.com/agentx-dev/agentx/pkg/store"
)

func turnRaws(agent string) []event.Raw {
	return []event.Raw{
		{Kind: event.RawMessageStart, AgentID: agent, Timestamp: 1000,
			Payload: map[string]any{"input_tokens": 12}},
		{Kind: event.RawTextDelta, AgentID: agent, Timestamp: 1001,
			Payload: map[string]any{"text": "Hello world", "final": true}},
		{Kind: event.RawMessageDelta, AgentID: agent, Timestamp: 1002,
			Payload: map[string]any{"output_tokens": 7}},
		{Kind: event.RawMessageStop, AgentID: agent, Timestamp: 2000,
			Payload: map[string]any{"stop_reason": "end_turn"}},
	}
}

func newTestManager(t *testing.T) (*Manager, *Repository, *bus.Bus) {
	t.Helper()
	repo := NewRepository(store.NewMemoryStorage())
	b := bus.New()
	t.Cleanup(func() { b.Close() })
	return NewManager(engine.New(), b, repo), repo, b
}

func TestHandleRawPersistsMessageAndTurn(t *testing.T) {
	m, repo, b := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "tpl1", "c1")
	require.NoError(t, err)
	m.Bind("A1", sess.SessionID)

	sub, cancel := b.SubscribeChannel("")
	defer cancel()

	for _, raw := range turnRaws("A1") {
		require.NoError(t, m.HandleRaw(ctx, raw))
	}

	// The assembled message was appended to the bound session.
	msgs, err := repo.GetMessages(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, event.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Hello world", msgs[0].Content[0].Text)

	// The turn's token usage folded into the session record.
	got, err := repo.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 12, got.InputTokens)
	assert.Equal(t, 7, got.OutputTokens)

	// Every derived event went out on the bus. The final-flagged delta
	// flushes the message in the same call that projects "responding", and
	// the assembler stage runs first, so the message precedes that state.
	var types []event.Type
	for sub.Len() > 0 {
		ev, err := sub.Recv(ctx)
		require.NoError(t, err)
		types = append(types, ev.EventType())
	}
	assert.Equal(t, []event.Type{
		event.TypeState, event.TypeMessage, event.TypeState,
		event.TypeState, event.TypeTurn,
	}, types)
}

func TestUnboundAgentUsesAgentIDAsSession(t *testing.T) {
	m, repo, _ := newTestManager(t)
	ctx := context.Background()

	for _, raw := range turnRaws("A9") {
		require.NoError(t, m.HandleRaw(ctx, raw))
	}

	// The session was materialized lazily under the agent ID.
	got, err := repo.Get(ctx, "A9")
	require.NoError(t, err)
	assert.Equal(t, 12, got.InputTokens)

	msgs, err := repo.GetMessages(ctx, "A9")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestCreateAndDeleteSession(t *testing.T) {
	m, repo, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "tpl1", "c1")
	require.NoError(t, err)
	require.NotEmpty(t, sess.SessionID)

	require.NoError(t, m.DeleteSession(ctx, sess.SessionID))
	_, err = repo.Get(ctx, sess.SessionID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

// faultyStorage fails reads to exercise the degraded-load path.
type faultyStorage struct {
	store.Storage
}

func (f *faultyStorage) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func TestLoadOrCreateDegradesToFreshSession(t *testing.T) {
	repo := NewRepository(&faultyStorage{Storage: store.NewMemoryStorage()})
	b := bus.New()
	defer b.Close()
	m := NewManager(engine.New(), b, repo)

	sess, err := m.LoadOrCreateSession(context.Background(), "broken", "tpl1", "c1")
	require.NoError(t, err)
	assert.NotEqual(t, "broken", sess.SessionID)
	assert.Equal(t, "tpl1", sess.TemplateID)
}

func TestLoadOrCreateReturnsExisting(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateSession(ctx, "tpl1", "c1")
	require.NoError(t, err)

	loaded, err := m.LoadOrCreateSession(ctx, created.SessionID, "tpl1", "c1")
	require.NoError(t, err)
	assert.Equal(t, created.SessionID, loaded.SessionID)
}

func TestRunObservesCancellation(t *testing.T) {
	m, _, _ := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	source := make(chan event.Raw)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, source) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not observe cancellation")
	}
}

func TestRunStopsWhenSourceCloses(t *testing.T) {
	m, repo, _ := newTestManager(t)

	source := make(chan event.Raw, 8)
	for _, raw := range turnRaws("A1") {
		source <- raw
	}
	close(source)

	require.NoError(t, m.Run(context.Background(), source))

	msgs, err := repo.GetMessages(context.Background(), "A1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}
