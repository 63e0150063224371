package models

import (
	"fmt"
	"sync"
	"time"
)

// SessionState represents the current phase of a trading session
type SessionState string

const (
	StateInit                SessionState = "init"                   // Loading registry, connecting
	StateWaitingForFirstOpen SessionState = "waiting_for_first_open" // Instruments built, market not open yet
	StateRunning             SessionState = "running"                // Tick loop active
	StateShuttingDown        SessionState = "shutting_down"          // Flattening and releasing resources
	StateStopped             SessionState = "stopped"                // Terminal
)

// StateTransition defines valid state transitions
type StateTransition struct {
	From        SessionState
	To          SessionState
	Condition   string
	Description string
}

// ValidTransitions lists every allowed session transition
var ValidTransitions = []StateTransition{
	{StateInit, StateWaitingForFirstOpen, "initialized", "Instruments qualified and scheduled"},
	{StateInit, StateShuttingDown, "market_closed", "No registered exchange opens today"},
	{StateInit, StateShuttingDown, "init_failed", "Broker or registry unavailable"},
	{StateWaitingForFirstOpen, StateRunning, "first_open", "Earliest instrument opened"},
	{StateWaitingForFirstOpen, StateShuttingDown, "canceled", "Shutdown requested before open"},
	{StateRunning, StateShuttingDown, "last_close", "Last instrument closed"},
	{StateRunning, StateShuttingDown, "insufficient_funds", "Available funds below floor"},
	{StateRunning, StateShuttingDown, "roster_empty", "No instruments left to track"},
	{StateRunning, StateShuttingDown, "fault", "Unhandled fault in tick loop"},
	{StateRunning, StateShuttingDown, "canceled", "Shutdown requested"},
	{StateShuttingDown, StateStopped, "", "Resources released"},
}

// StateMachine tracks session phase transitions. Safe for concurrent use so
// the control server can read the state while the scheduler advances it.
type StateMachine struct {
	mu              sync.RWMutex
	transitionTime  time.Time
	transitionCount map[SessionState]int
	currentState    SessionState
	previousState   SessionState
	lastCondition   string
}

// NewStateMachine creates a new state machine
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StateInit,
		previousState:   StateInit,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[SessionState]int),
	}
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() SessionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() SessionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.previousState
}

// LastCondition returns the condition of the most recent transition
func (sm *StateMachine) LastCondition() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastCondition
}

// IsValidTransition checks if a transition is valid
func (sm *StateMachine) IsValidTransition(to SessionState, condition string) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.validate(to, condition)
}

func (sm *StateMachine) validate(to SessionState, condition string) error {
	for _, transition := range ValidTransitions {
		if transition.From != sm.currentState || transition.To != to {
			continue
		}
		if conditionMatches(transition.Condition, condition) {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
		sm.currentState, to, condition)
}

// conditionMatches checks if the condition requirements are satisfied
func conditionMatches(transitionCondition, providedCondition string) bool {
	// No condition required: anything goes
	if transitionCondition == "" {
		return true
	}
	return providedCondition == transitionCondition
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to SessionState, condition string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.validate(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.lastCondition = condition
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// GetTransitionCount returns how many times we've been in a state
func (sm *StateMachine) GetTransitionCount(state SessionState) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.transitionCount[state]
}

// TransitionTime returns when the last transition happened
func (sm *StateMachine) TransitionTime() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.transitionTime
}

// IsTerminal returns true once the session is stopped
func (sm *StateMachine) IsTerminal() bool {
	return sm.GetCurrentState() == StateStopped
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	switch sm.GetCurrentState() {
	case StateInit:
		return "Loading instrument registry and connecting to broker"
	case StateWaitingForFirstOpen:
		return "Instruments ready, waiting for the first market open"
	case StateRunning:
		return "Tick loop running"
	case StateShuttingDown:
		return "Flattening positions and releasing subscriptions"
	case StateStopped:
		return "Session stopped"
	default:
		return "Unknown state"
	}
}
