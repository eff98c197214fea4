package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentx-dev/agentx/pkg/event"
	"github.com/agentx-dev/agentx/pkg/observability"
	"github.com/agentx-dev/agentx/pkg/store"
)

func testSession(sessionID, templateID, containerID string) *Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Session{
		SessionID:   sessionID,
		TemplateID:  templateID,
		ContainerID: containerID,
		Title:       "test session",
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    map[string]any{"origin": "test"},
	}
}

func testMessage(id, text string) Message {
	return Message{
		MessageID: id,
		Role:      event.RoleAssistant,
		Content:   []event.ContentPart{event.TextPart(text)},
		Timestamp: 1000,
	}
}

// repositories returns a repository per storage backend so persistence
// behavior is verified against all substrates, not just the in-memory one.
func repositories(t *testing.T) map[string]*Repository {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]*Repository{
		"memory": NewRepository(store.NewMemoryStorage()),
		"redis":  NewRepository(store.NewRedisStorageFromClient(client, "agentx:", 0)),
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := testSession("s1", "tpl1", "c1")
			sess.InputTokens = 10
			sess.OutputTokens = 20
			sess.Messages = []Message{testMessage("m1", "hello")}

			require.NoError(t, repo.Save(ctx, sess))

			got, err := repo.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, sess.SessionID, got.SessionID)
			assert.Equal(t, sess.TemplateID, got.TemplateID)
			assert.Equal(t, sess.ContainerID, got.ContainerID)
			assert.Equal(t, sess.Title, got.Title)
			assert.Equal(t, 10, got.InputTokens)
			assert.Equal(t, 20, got.OutputTokens)
			assert.Equal(t, sess.Metadata, got.Metadata)

			msgs, err := repo.GetMessages(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, testMessage("m1", "hello"), msgs[0])

			byTemplate, err := repo.FindByTemplateID(ctx, "tpl1")
			require.NoError(t, err)
			assert.Equal(t, "s1", byTemplate.SessionID)

			byContainer, err := repo.FindByContainerID(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, byContainer, 1)
			assert.Equal(t, "s1", byContainer[0].SessionID)
		})
	}
}

func TestGetMissingSession(t *testing.T) {
	repo := NewRepository(store.NewMemoryStorage())

	_, err := repo.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = repo.FindByTemplateID(context.Background(), "nope")
	require.ErrorIs(t, err, ErrSessionNotFound)

	sessions, err := repo.FindByContainerID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDeleteRemovesEverything(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := testSession("s1", "tpl1", "c1")
			sess.Messages = []Message{testMessage("m1", "hi")}
			require.NoError(t, repo.Save(ctx, sess))

			require.NoError(t, repo.Delete(ctx, "s1"))

			_, err := repo.Get(ctx, "s1")
			require.ErrorIs(t, err, ErrSessionNotFound)

			msgs, err := repo.GetMessages(ctx, "s1")
			require.NoError(t, err)
			assert.Empty(t, msgs)

			_, err = repo.FindByTemplateID(ctx, "tpl1")
			require.ErrorIs(t, err, ErrSessionNotFound)

			byContainer, err := repo.FindByContainerID(ctx, "c1")
			require.NoError(t, err)
			assert.Empty(t, byContainer)

			// No index keys for the session survive the delete.
			keys, err := repo.storage.Keys(ctx, "idx:")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestDeleteMissingSession(t *testing.T) {
	repo := NewRepository(store.NewMemoryStorage())
	err := repo.Delete(context.Background(), "nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetMessagesNormalizesMalformedValue(t *testing.T) {
	storage := store.NewMemoryStorage()
	repo := NewRepository(storage)
	ctx := context.Background()

	require.NoError(t, storage.Set(ctx, "messages:s1", []byte("not json at all")))

	msgs, err := repo.GetMessages(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestFindSkipsDanglingIndexEntry(t *testing.T) {
	storage := store.NewMemoryStorage()
	repo := NewRepository(storage)
	ctx := context.Background()

	// Index entry without a primary record, as left by a partial delete.
	require.NoError(t, storage.Set(ctx, "idx:sessions:template:tpl1:ghost", nil))
	require.NoError(t, storage.Set(ctx, "idx:sessions:container:c1:ghost", nil))

	_, err := repo.FindByTemplateID(ctx, "tpl1")
	require.ErrorIs(t, err, ErrSessionNotFound)

	sessions, err := repo.FindByContainerID(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestFindByContainerIDManySessions(t *testing.T) {
	repo := NewRepository(store.NewMemoryStorage())
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, repo.Save(ctx, testSession(id, "tpl-"+id, "shared")))
	}
	require.NoError(t, repo.Save(ctx, testSession("s4", "tpl-s4", "other")))

	sessions, err := repo.FindByContainerID(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.SessionID
	}
	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, ids)
}

func TestListAllExcludesIndexKeys(t *testing.T) {
	repo := NewRepository(store.NewMemoryStorage())
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, testSession("s1", "tpl1", "c1")))
	require.NoError(t, repo.Save(ctx, testSession("s2", "tpl2", "")))

	sessions, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
}

func TestAppendMessagePreservesOrder(t *testing.T) {
	repo := NewRepository(store.NewMemoryStorage())
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, testSession("s1", "tpl1", "")))
	require.NoError(t, repo.AppendMessage(ctx, "s1", testMessage("m1", "first")))
	require.NoError(t, repo.AppendMessage(ctx, "s1", testMessage("m2", "second")))

	msgs, err := repo.GetMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].MessageID)
	assert.Equal(t, "m2", msgs[1].MessageID)
}

func TestRepositoryOpsRecorded(t *testing.T) {
	observability.InitMetrics()
	repo := NewRepository(store.NewMemoryStorage())
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, testSession("s1", "tpl1", "c1")))
	_, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, "s1"))

	// One sample per distinct op/status pair that has been recorded.
	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "agentx_session_operations_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 3)
}
