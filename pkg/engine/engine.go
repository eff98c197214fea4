// Package engine derives state, message and turn events from the raw stream
// produced by the inference engine.
//
// Processing is a chained stage pipeline over an isolated per-agent state:
// the raw event enters the first stage, and every event a stage emits is
// appended to the inputs of the stages after it. The turn tracker therefore
// sees the assembler's MessageEvents in the same call that produced them.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	tracing "github.com/agentx-dev/agentx/internal/observability"
	"github.com/agentx-dev/agentx/pkg/event"
	"github.com/agentx-dev/agentx/pkg/observability"
)

// stage is one step of the transformation pipeline. A stage owns one section
// of the agent state; snapshot and restore cover exactly that section so a
// failing stage rolls back without touching the others. finish runs after
// every input of one Process call has been handled; stages whose output
// depends on events emitted earlier in the same call (the turn tracker needs
// the finalizing MessageEvent, which arrives after the boundary raw) defer
// their emission to it.
type stage interface {
	name() string
	snapshot(st *agentState) any
	restore(st *agentState, snap any)
	handle(st *agentState, in event.Event) ([]event.Event, error)
	finish(st *agentState) ([]event.Event, error)
}

type agentSlot struct {
	mu       sync.Mutex
	st       *agentState
	disposed bool
}

// Engine drives raw events through the transformation stages. It keeps one
// isolated state per agent; calls for the same agent are serialized, calls
// for different agents never block each other.
type Engine struct {
	mu     sync.Mutex
	agents map[string]*agentSlot
	stages []stage
}

// New creates an engine with the standard stage chain: message assembler,
// state projector, turn tracker.
func New() *Engine {
	return &Engine{
		agents: make(map[string]*agentSlot),
		stages: []stage{messageAssembler{}, stateProjector{}, turnTracker{}},
	}
}

func (e *Engine) slot(agentID string) *agentSlot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.agents[agentID]
	if !ok {
		s = &agentSlot{st: newAgentState(agentID)}
		e.agents[agentID] = s
	}
	return s
}

// lockSlot returns the agent's slot with its lock held. A slot marked
// disposed between lookup and lock is skipped and the lookup retried, so a
// Process racing Dispose can never run concurrently with one on the
// replacement slot.
func (e *Engine) lockSlot(agentID string) *agentSlot {
	for {
		s := e.slot(agentID)
		s.mu.Lock()
		if !s.disposed {
			return s
		}
		s.mu.Unlock()
	}
}

// Process runs one raw event through the stage chain and returns all derived
// events in emission order. A failing stage is rolled back to its pre-call
// section, logged and skipped; it never fails the whole call. The returned
// error is only non-nil when ctx is already cancelled.
func (e *Engine) Process(ctx context.Context, agentID string, raw event.Raw) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if raw.AgentID == "" {
		raw.AgentID = agentID
	}

	_, span := tracing.StartSpan(ctx, "engine.process",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("raw.kind", string(raw.Kind)),
		))
	defer span.End()

	start := time.Now()
	defer func() {
		observability.RecordRawEvent(string(raw.Kind), time.Since(start))
	}()

	slot := e.lockSlot(agentID)
	defer slot.mu.Unlock()

	inputs := []event.Event{raw}
	var out []event.Event
	for _, sg := range e.stages {
		snap := sg.snapshot(slot.st)
		emitted, err := runStage(sg, slot.st, inputs)
		if err != nil {
			sg.restore(slot.st, snap)
			observability.RecordStageFailure(sg.name())
			log.Printf("engine: %s stage failed for agent %s on %s: %v", sg.name(), agentID, raw.Kind, err)
			continue
		}
		out = append(out, emitted...)
		inputs = append(inputs, emitted...)
	}
	return out, nil
}

// runStage feeds every input through the stage, converting a panic into an
// error so the engine can roll the stage back.
func runStage(sg stage, st *agentState, inputs []event.Event) (out []event.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	for _, in := range inputs {
		emitted, herr := sg.handle(st, in)
		if herr != nil {
			return nil, herr
		}
		out = append(out, emitted...)
	}

	emitted, herr := sg.finish(st)
	if herr != nil {
		return nil, herr
	}
	out = append(out, emitted...)
	return out, nil
}

// Reset discards the agent's processing state. Replaying the same raw
// sequence after a reset yields the identical derived sequence.
func (e *Engine) Reset(agentID string) {
	slot := e.lockSlot(agentID)
	slot.st = newAgentState(agentID)
	slot.mu.Unlock()
}

// Dispose removes the agent entirely, waiting for an in-flight Process on
// the same agent to finish first. A later Process starts from a fresh state.
func (e *Engine) Dispose(agentID string) {
	e.mu.Lock()
	slot, ok := e.agents[agentID]
	e.mu.Unlock()
	if !ok {
		return
	}

	slot.mu.Lock()
	slot.disposed = true
	e.mu.Lock()
	if e.agents[agentID] == slot {
		delete(e.agents, agentID)
	}
	e.mu.Unlock()
	slot.mu.Unlock()
}
