package repair

import (
	"fmt"

	"github.com/atelier-erp/atelier-erp/internal/shared"
)

type edge struct {
	from Status
	to   Status
}

// transitions is the closed edge set of the ticket state machine. Any edge
// absent here is rejected; Cancelled is reachable from every non-terminal
// state; Closed only from AwaitingPickup.
var transitions = map[edge]guardFunc{
	{StatusIntake, StatusDiagnosing}:           guardDiagnosticFee,
	{StatusIntake, StatusCancelled}:            guardCancel,
	{StatusDiagnosing, StatusAwaitingApproval}: guardDiagnosed,
	{StatusDiagnosing, StatusRepairing}:        guardDiagnosed,
	{StatusDiagnosing, StatusCancelled}:        guardCancel,
	{StatusAwaitingApproval, StatusRepairing}:  nil,
	{StatusAwaitingApproval, StatusCancelled}:  guardCancel,
	{StatusRepairing, StatusAwaitingPickup}:    guardReadyForPickup,
	{StatusRepairing, StatusCancelled}:         guardCancel,
	{StatusAwaitingPickup, StatusClosed}:       nil,
	{StatusAwaitingPickup, StatusCancelled}:    guardCancel,
}

var knownStatuses = map[Status]struct{}{
	StatusIntake:           {},
	StatusDiagnosing:       {},
	StatusAwaitingApproval: {},
	StatusRepairing:        {},
	StatusAwaitingPickup:   {},
	StatusClosed:           {},
	StatusCancelled:        {},
}

// guardFunc checks the precondition for one edge. A nil guard always passes.
type guardFunc func(w *Workflow, t *Ticket, input TransitionInput) error

// guardDiagnosticFee validates the manager-override path for skipping the
// automatic diagnostic fee. The fee itself is added on entry.
func guardDiagnosticFee(w *Workflow, t *Ticket, input TransitionInput) error {
	if !input.SkipDiagnosticFee {
		return nil
	}
	if !input.ManagerOverride {
		return &shared.GuardViolation{
			From: string(t.Status), To: string(input.Target),
			Reason: "skipping the diagnostic fee requires manager authorization",
		}
	}
	return w.checkOverrideReason(input.Reason)
}

// guardDiagnosed requires at least one diagnostic note or an explicit
// manager override.
func guardDiagnosed(w *Workflow, t *Ticket, input TransitionInput) error {
	if len(t.Notes) > 0 {
		return nil
	}
	if input.ManagerOverride {
		return w.checkOverrideReason(input.Reason)
	}
	return &shared.GuardViolation{
		From: string(t.Status), To: string(input.Target),
		Reason: "at least one diagnostic note or a manager override is required",
	}
}

// guardReadyForPickup enforces the invoice-before-pickup and labour-line
// rules when enabled.
func guardReadyForPickup(w *Workflow, t *Ticket, input TransitionInput) error {
	if w.opts.RequireInvoiceBeforePickup && t.InvoiceID == nil {
		return &shared.GuardViolation{
			From: string(t.Status), To: string(input.Target),
			Reason: ErrInvoiceRequired.Error(),
			Cause:  ErrInvoiceRequired,
		}
	}
	if w.opts.RequireLabourIfTimeLogged && len(t.TimeEntries) > 0 && !t.HasLine(LineLabour) {
		return &shared.GuardViolation{
			From: string(t.Status), To: string(input.Target),
			Reason: ErrLabourLineRequired.Error(),
			Cause:  ErrLabourLineRequired,
		}
	}
	return nil
}

// guardCancel requires a reason on every cancellation.
func guardCancel(_ *Workflow, t *Ticket, input TransitionInput) error {
	if input.Reason == "" {
		return shared.Validationf("reason", "cancellation requires a reason")
	}
	return nil
}

// resolveEdge validates the target and returns the guard for the edge, or a
// distinct error for unknown targets and non-adjacent edges.
func resolveEdge(from, to Status) (guardFunc, error) {
	if _, ok := knownStatuses[to]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	guard, ok := transitions[edge{from, to}]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrForbiddenTransition, from, to)
	}
	return guard, nil
}
