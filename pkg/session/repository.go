package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/agentx-dev/agentx/pkg/observability"
	"github.com/agentx-dev/agentx/pkg/store"
)

// ErrSessionNotFound is returned when a session doesn't exist.
var ErrSessionNotFound = errors.New("session not found")

// Key layout on the storage substrate:
//
//	sessions:{sessionId}                              primary record
//	messages:{sessionId}                              message list
//	idx:sessions:template:{templateId}:{sessionId}    forward index
//	idx:sessions:container:{containerId}:{sessionId}  reverse index
//
// Index entries carry no payload; existence means membership.
const (
	sessionKeyPrefix      = "sessions:"
	messagesKeyPrefix     = "messages:"
	templateIdxKeyPrefix  = "idx:sessions:template:"
	containerIdxKeyPrefix = "idx:sessions:container:"
	idxKeyPrefix          = "idx:"
)

// recordOp counts one repository operation. A not-found result is a routine
// outcome, not a storage failure, so it counts as ok.
func recordOp(op string, err error) {
	if errors.Is(err, ErrSessionNotFound) {
		err = nil
	}
	observability.RecordSessionOp(op, err)
}

func sessionKey(sessionID string) string  { return sessionKeyPrefix + sessionID }
func messagesKey(sessionID string) string { return messagesKeyPrefix + sessionID }

func templateIdxKey(templateID, sessionID string) string {
	return templateIdxKeyPrefix + templateID + ":" + sessionID
}

func containerIdxKey(containerID, sessionID string) string {
	return containerIdxKeyPrefix + containerID + ":" + sessionID
}

// Repository owns session and message records and their indexes.
//
// The underlying Storage offers no multi-key transactions, so Save and
// Delete are sequences of single-key writes: a crash mid-sequence can leave
// an index entry without its primary record or vice versa. Reads tolerate
// such anomalies by treating them as absent, and Reconciler repairs them;
// callers racing Save against Delete for the same session must serialize
// externally (Manager holds one mutex per session).
type Repository struct {
	storage store.Storage
}

// NewRepository creates a repository on the given storage backend.
func NewRepository(storage store.Storage) *Repository {
	return &Repository{storage: storage}
}

// Get retrieves a session by ID.
// Returns ErrSessionNotFound if the session doesn't exist.
func (r *Repository) Get(ctx context.Context, sessionID string) (_ *Session, err error) {
	defer func() { recordOp("get", err) }()

	data, err := r.storage.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// GetMessages retrieves the ordered message list for a session.
// A missing or malformed stored value normalizes to an empty list; only
// storage-level failures propagate.
func (r *Repository) GetMessages(ctx context.Context, sessionID string) (_ []Message, err error) {
	defer func() { recordOp("get_messages", err) }()

	data, err := r.storage.Get(ctx, messagesKey(sessionID))
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("get messages: %w", err)
	}

	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		log.Printf("session %s: malformed message list, returning empty: %v", sessionID, err)
		return []Message{}, nil
	}
	if messages == nil {
		messages = []Message{}
	}
	return messages, nil
}

// FindByTemplateID looks up the session created from a template via the
// forward index. A dangling index entry (primary record gone) is tolerated:
// it is skipped, not fatal.
func (r *Repository) FindByTemplateID(ctx context.Context, templateID string) (_ *Session, err error) {
	defer func() { recordOp("find_by_template", err) }()

	keys, err := r.storage.Keys(ctx, templateIdxKeyPrefix+templateID+":")
	if err != nil {
		return nil, fmt.Errorf("scan template index: %w", err)
	}

	for _, key := range keys {
		sessionID := strings.TrimPrefix(key, templateIdxKeyPrefix+templateID+":")
		sess, err := r.Get(ctx, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			log.Printf("template index %s points at missing session %s, skipping", templateID, sessionID)
			continue
		}
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
	return nil, ErrSessionNotFound
}

// FindByContainerID returns all sessions hosted in a container via the
// reverse index. Dangling entries are skipped.
func (r *Repository) FindByContainerID(ctx context.Context, containerID string) (_ []*Session, err error) {
	defer func() { recordOp("find_by_container", err) }()

	keys, err := r.storage.Keys(ctx, containerIdxKeyPrefix+containerID+":")
	if err != nil {
		return nil, fmt.Errorf("scan container index: %w", err)
	}

	sessions := make([]*Session, 0, len(keys))
	for _, key := range keys {
		sessionID := strings.TrimPrefix(key, containerIdxKeyPrefix+containerID+":")
		sess, err := r.Get(ctx, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			log.Printf("container index %s points at missing session %s, skipping", containerID, sessionID)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// ListAll returns every persisted session. The scan runs over the primary
// key prefix only, so index and message keys never leak into the result.
func (r *Repository) ListAll(ctx context.Context) (_ []*Session, err error) {
	defer func() { recordOp("list", err) }()

	keys, err := r.storage.Keys(ctx, sessionKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, idxKeyPrefix) {
			continue
		}
		sessionID := strings.TrimPrefix(key, sessionKeyPrefix)
		sess, err := r.Get(ctx, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			// Deleted between scan and read.
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Save persists a session. Write order: primary record, message list,
// forward index entry, reverse index entry. Storage failures propagate to
// the caller; a partial write is repaired by the next reconciliation run.
func (r *Repository) Save(ctx context.Context, sess *Session) (err error) {
	defer func() { recordOp("save", err) }()

	sess.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.storage.Set(ctx, sessionKey(sess.SessionID), data); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	messages := sess.Messages
	if messages == nil {
		messages = []Message{}
	}
	msgData, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	if err := r.storage.Set(ctx, messagesKey(sess.SessionID), msgData); err != nil {
		return fmt.Errorf("save messages: %w", err)
	}

	if err := r.storage.Set(ctx, templateIdxKey(sess.TemplateID, sess.SessionID), nil); err != nil {
		return fmt.Errorf("save template index: %w", err)
	}

	if sess.ContainerID != "" {
		if err := r.storage.Set(ctx, containerIdxKey(sess.ContainerID, sess.SessionID), nil); err != nil {
			return fmt.Errorf("save container index: %w", err)
		}
	}
	return nil
}

// AppendMessage appends one message to a session's persisted list.
func (r *Repository) AppendMessage(ctx context.Context, sessionID string, msg Message) (err error) {
	defer func() { recordOp("append_message", err) }()

	messages, err := r.GetMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	messages = append(messages, msg)

	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	if err := r.storage.Set(ctx, messagesKey(sessionID), data); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Delete removes a session, its messages, and all its index entries.
// The session is read first to discover which index entries exist.
// Returns ErrSessionNotFound if there is no primary record.
func (r *Repository) Delete(ctx context.Context, sessionID string) (err error) {
	defer func() { recordOp("delete", err) }()

	sess, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := r.storage.Delete(ctx, sessionKey(sessionID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := r.storage.Delete(ctx, messagesKey(sessionID)); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := r.storage.Delete(ctx, templateIdxKey(sess.TemplateID, sessionID)); err != nil {
		return fmt.Errorf("delete template index: %w", err)
	}
	if sess.ContainerID != "" {
		if err := r.storage.Delete(ctx, containerIdxKey(sess.ContainerID, sessionID)); err != nil {
			return fmt.Errorf("delete container index: %w", err)
		}
	}
	return nil
}
