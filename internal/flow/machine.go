// Package flow provides the transition-table state machine shared by the
// conversational flows.
package flow

import (
	"context"
	"errors"
	"fmt"

	"masterbook/internal/model"
)

// State is a closed per-flow enumeration of dialog steps.
type State string

// Kind identifies an event; handlers are keyed by (State, Kind).
type Kind string

// Kinds shared by every flow.
const (
	Start  Kind = "start"
	Back   Kind = "back"
	Cancel Kind = "cancel"
	Ignore Kind = "ign"
	Text   Kind = "text"
)

var (
	ErrEventNotAllowed      = errors.New("event not allowed in current state")
	ErrTransitionNotAllowed = fmt.Errorf("transition not allowed: %w", model.ErrStateInconsistency)
)

// Event is one user action.
type Event struct {
	Kind Kind
	Arg  string
}

// Result is what a handler produced.
type Result struct {
	Next State
	View View
}

// Stay keeps the current state and shows v.
func Stay(from State, v View) Result {
	return Result{Next: from, View: v}
}

// Handler processes an event for session s.
type Handler[S any] func(ctx context.Context, s S, ev Event) (Result, error)

type key struct {
	state State
	kind  Kind
}

// Machine routes events to handlers and validates the resulting transition.
type Machine[S any] struct {
	name        string
	initial     State
	handlers    map[key]Handler[S]
	global      map[Kind]Handler[S]
	transitions map[State][]State
	anyTarget   map[State]bool
}

// New creates an empty machine whose default state is initial.
func New[S any](name string, initial State) *Machine[S] {
	return &Machine[S]{
		name:        name,
		initial:     initial,
		handlers:    make(map[key]Handler[S]),
		global:      make(map[Kind]Handler[S]),
		transitions: make(map[State][]State),
		anyTarget:   map[State]bool{initial: true},
	}
}

// Name returns the flow name used in logs.
func (m *Machine[S]) Name() string {
	return m.name
}

// Initial returns the state a reset flow starts in.
func (m *Machine[S]) Initial() State {
	return m.initial
}

// On registers h for kind in state.
func (m *Machine[S]) On(state State, kind Kind, h Handler[S]) *Machine[S] {
	m.handlers[key{state, kind}] = h
	return m
}

// OnAny registers h for kind in every state without a specific handler.
func (m *Machine[S]) OnAny(kind Kind, h Handler[S]) *Machine[S] {
	m.global[kind] = h
	return m
}

// Allow declares the states reachable from from.
func (m *Machine[S]) Allow(from State, to ...State) *Machine[S] {
	m.transitions[from] = append(m.transitions[from], to...)
	return m
}

// AllowFromAny makes to reachable from every state.
func (m *Machine[S]) AllowFromAny(to ...State) *Machine[S] {
	for _, s := range to {
		m.anyTarget[s] = true
	}
	return m
}

// CanTransition checks if a transition is allowed. Staying is always allowed.
func (m *Machine[S]) CanTransition(from, to State) bool {
	if from == to || m.anyTarget[to] {
		return true
	}
	for _, s := range m.transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Accepts reports whether kind has a handler in state.
func (m *Machine[S]) Accepts(state State, kind Kind) bool {
	_, ok := m.handler(state, kind)
	return ok
}

func (m *Machine[S]) handler(state State, kind Kind) (Handler[S], bool) {
	if h, ok := m.handlers[key{state, kind}]; ok {
		return h, true
	}
	h, ok := m.global[kind]
	return h, ok
}

// Dispatch runs the handler for (state, ev.Kind). An unknown state is
// treated as the initial state.
func (m *Machine[S]) Dispatch(ctx context.Context, state State, s S, ev Event) (Result, error) {
	if !m.known(state) {
		state = m.initial
	}
	h, ok := m.handler(state, ev.Kind)
	if !ok {
		return Result{Next: state}, fmt.Errorf("%s: %s in %s: %w", m.name, ev.Kind, state, ErrEventNotAllowed)
	}
	res, err := h(ctx, s, ev)
	if err != nil {
		return Result{Next: state}, err
	}
	if res.Next == "" {
		res.Next = state
	}
	if !m.CanTransition(state, res.Next) {
		return Result{Next: state}, fmt.Errorf("%s: %s -> %s: %w", m.name, state, res.Next, ErrTransitionNotAllowed)
	}
	return res, nil
}

func (m *Machine[S]) known(state State) bool {
	if state == m.initial || m.anyTarget[state] {
		return true
	}
	if _, ok := m.transitions[state]; ok {
		return true
	}
	for k := range m.handlers {
		if k.state == state {
			return true
		}
	}
	return false
}
