package models

import (
	"errors"
	"fmt"
)

// FaultKind classifies engine errors by how the session reacts to them.
type FaultKind string

const (
	// FaultInit drops one instrument from the session
	FaultInit FaultKind = "initialization"
	// FaultValidation skips one trade opportunity
	FaultValidation FaultKind = "validation"
	// FaultOrder counts as a failed execution attempt
	FaultOrder FaultKind = "order"
	// FaultReconciliation is logged; the broker delta wins
	FaultReconciliation FaultKind = "reconciliation"
	// FaultFatal shuts the session down
	FaultFatal FaultKind = "fatal"
)

// Fault is an engine error tagged with its kind.
type Fault struct {
	Kind   FaultKind
	Symbol string
	Err    error
}

func (f *Fault) Error() string {
	if f.Symbol != "" {
		return fmt.Sprintf("%s fault [%s]: %v", f.Kind, f.Symbol, f.Err)
	}
	return fmt.Sprintf("%s fault: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func newFault(kind FaultKind, symbol string, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Symbol: symbol, Err: fmt.Errorf(format, args...)}
}

// InitError marks an instrument that could not be brought up.
func InitError(symbol, format string, args ...any) error {
	return newFault(FaultInit, symbol, format, args...)
}

// ValidationError marks a rejected trade opportunity.
func ValidationError(symbol, format string, args ...any) error {
	return newFault(FaultValidation, symbol, format, args...)
}

// OrderError marks a failed order attempt.
func OrderError(symbol, format string, args ...any) error {
	return newFault(FaultOrder, symbol, format, args...)
}

// ReconciliationError marks a ledger/broker disagreement.
func ReconciliationError(symbol, format string, args ...any) error {
	return newFault(FaultReconciliation, symbol, format, args...)
}

// FatalError marks a session-ending condition.
func FatalError(format string, args ...any) error {
	return newFault(FaultFatal, "", format, args...)
}

// KindOf returns the fault kind carried by err, or "" when err is not a Fault.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsFatal reports whether err ends the session.
func IsFatal(err error) bool {
	return KindOf(err) == FaultFatal
}
