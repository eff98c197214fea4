package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentx-dev/agentx/pkg/event"
)

// Processor drives one raw event through the transformation pipeline.
// Implemented by engine.Engine.
type Processor interface {
	Process(ctx context.Context, agentID string, raw event.Raw) ([]event.Event, error)
}

// Publisher fans derived events out to subscribers. Implemented by bus.Bus.
type Publisher interface {
	Publish(ev event.Event) error
}

// Manager is the thin orchestrator tying the pieces together: it feeds raw
// events to the Processor, publishes every derived event on the bus, and
// persists sessions on message and turn boundaries.
//
// Repository writes for one session are serialized by a per-session mutex;
// different sessions proceed independently.
type Manager struct {
	engine Processor
	bus    Publisher
	repo   *Repository

	mu       sync.Mutex
	bindings map[string]string      // agentID -> sessionID
	locks    map[string]*sync.Mutex // sessionID -> write lock
}

// NewManager creates a session manager.
func NewManager(engine Processor, bus Publisher, repo *Repository) *Manager {
	return &Manager{
		engine:   engine,
		bus:      bus,
		repo:     repo,
		bindings: make(map[string]string),
		locks:    make(map[string]*sync.Mutex),
	}
}

// CreateSession creates and persists a new session for a template.
func (m *Manager) CreateSession(ctx context.Context, templateID, containerID string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		SessionID:   uuid.New().String(),
		TemplateID:  templateID,
		ContainerID: containerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.repo.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// LoadOrCreateSession loads a session by ID, degrading to a fresh session
// when the load fails. A storage failure must not block the user: the
// failure is logged and a new empty session takes its place.
func (m *Manager) LoadOrCreateSession(ctx context.Context, sessionID, templateID, containerID string) (*Session, error) {
	sess, err := m.repo.Get(ctx, sessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		log.Printf("session %s load failed, starting fresh: %v", sessionID, err)
	}
	return m.CreateSession(ctx, templateID, containerID)
}

// Bind routes an agent's derived events to a session. Unbound agents fall
// back to using their agent ID as the session ID.
func (m *Manager) Bind(agentID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[agentID] = sessionID
}

// Unbind removes an agent's session routing.
func (m *Manager) Unbind(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, agentID)
}

// DeleteSession removes a session under its write lock.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	return m.repo.Delete(ctx, sessionID)
}

// HandleRaw processes one raw event: transformation, fan-out, persistence.
// Derived events are published in the order the engine produced them, which
// preserves the relative order of the causing raw events per agent.
func (m *Manager) HandleRaw(ctx context.Context, raw event.Raw) error {
	derived, err := m.engine.Process(ctx, raw.AgentID, raw)
	if err != nil {
		return fmt.Errorf("process raw event: %w", err)
	}

	sessionID := m.sessionFor(raw.AgentID)

	for _, ev := range derived {
		if err := m.bus.Publish(ev); err != nil {
			return fmt.Errorf("publish %s event: %w", ev.EventType(), err)
		}

		switch ev := ev.(type) {
		case event.MessageEvent:
			if err := m.persistMessage(ctx, sessionID, ev); err != nil {
				return err
			}
		case event.TurnEvent:
			if err := m.persistTurn(ctx, sessionID, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run consumes raw events from source until it closes or ctx is cancelled.
// Cancellation is observable: the ctx error is returned, and no dequeued
// event is dropped silently (the event being handled completes first).
func (m *Manager) Run(ctx context.Context, source <-chan event.Raw) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-source:
			if !ok {
				return nil
			}
			if err := m.HandleRaw(ctx, raw); err != nil {
				log.Printf("agent %s: raw event %s failed: %v", raw.AgentID, raw.Kind, err)
			}
		}
	}
}

func (m *Manager) persistMessage(ctx context.Context, sessionID string, ev event.MessageEvent) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.repo.AppendMessage(ctx, sessionID, MessageFromEvent(ev)); err != nil {
		return fmt.Errorf("persist message %s: %w", ev.MessageID, err)
	}
	return nil
}

// persistTurn folds the turn's token usage into the session record.
func (m *Manager) persistTurn(ctx context.Context, sessionID string, ev event.TurnEvent) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.repo.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		// First turn for an unbound agent: materialize the session lazily.
		now := time.Now().UTC()
		sess = &Session{
			SessionID: sessionID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = nil
	}
	if err != nil {
		return fmt.Errorf("load session for turn %s: %w", ev.TurnID, err)
	}

	sess.InputTokens += ev.InputTokens
	sess.OutputTokens += ev.OutputTokens

	if err := m.repo.Save(ctx, sess); err != nil {
		return fmt.Errorf("persist turn %s: %w", ev.TurnID, err)
	}
	return nil
}

func (m *Manager) sessionFor(agentID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID, ok := m.bindings[agentID]; ok {
		return sessionID
	}
	return agentID
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	return lock
}
