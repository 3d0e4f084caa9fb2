package repair

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status enumerates repair ticket lifecycle states.
type Status string

const (
	StatusIntake           Status = "INTAKE"
	StatusDiagnosing       Status = "DIAGNOSING"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusRepairing        Status = "REPAIRING"
	StatusAwaitingPickup   Status = "AWAITING_PICKUP"
	StatusClosed           Status = "CLOSED"
	StatusCancelled        Status = "CANCELLED"
)

var (
	// ErrUnknownStatus indicates a transition target outside the closed state set.
	ErrUnknownStatus = errors.New("unknown ticket status")
	// ErrForbiddenTransition indicates an edge absent from the transition table.
	ErrForbiddenTransition = errors.New("transition not permitted from current status")
	// ErrInvoiceRequired names the pickup guard: an invoice must be posted first.
	ErrInvoiceRequired = errors.New("an invoice must be posted before pickup")
	// ErrLabourLineRequired names the pickup guard for tickets with logged time.
	ErrLabourLineRequired = errors.New("logged time requires a labour line before pickup")
)

// LineType enumerates billable charge line kinds on a ticket.
type LineType string

const (
	LineDiagnostic LineType = "DIAGNOSTIC"
	LineLabour     LineType = "LABOUR"
	LineParts      LineType = "PARTS"
)

// ChargeLine is a billable line accumulated on a ticket and carried onto the
// invoice at posting time.
type ChargeLine struct {
	Type        LineType         `json:"type"`
	ProductID   uuid.UUID        `json:"product_id,omitempty"`
	Description string           `json:"description"`
	Quantity    decimal.Decimal  `json:"quantity"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	TaxRate     *decimal.Decimal `json:"tax_rate,omitempty"` // percent; nil uses the default
}

// TimeEntry is a logged labour slot. Entries never overlap on a ticket.
type TimeEntry struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Overtime bool      `json:"overtime"`
	ActorID  int64     `json:"actor_id"`
}

// Minutes returns the slot duration in minutes.
func (e TimeEntry) Minutes() decimal.Decimal {
	return decimal.NewFromFloat(e.End.Sub(e.Start).Minutes())
}

// Note is a diagnostic note on a ticket.
type Note struct {
	Text    string    `json:"text"`
	ActorID int64     `json:"actor_id"`
	At      time.Time `json:"at"`
}

// Ticket is the repair workflow aggregate. Fields are mutated only through
// the Workflow's guarded API.
type Ticket struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	CustomerID      uuid.UUID
	Status          Status
	StoreLocation   string
	IntakeAt        time.Time
	Notes           []Note
	TimeEntries     []TimeEntry
	Lines           []ChargeLine
	ManagerOverride bool
	OverrideReason  string
	InvoiceID       *uuid.UUID
	CancelReason    string
	UpdatedAt       time.Time
}

// LoggedMinutes sums all time entries.
func (t *Ticket) LoggedMinutes() decimal.Decimal {
	total := decimal.Zero
	for _, e := range t.TimeEntries {
		total = total.Add(e.Minutes())
	}
	return total
}

// HasLine reports whether the ticket carries a line of the given type.
func (t *Ticket) HasLine(kind LineType) bool {
	for _, l := range t.Lines {
		if l.Type == kind {
			return true
		}
	}
	return false
}

func (t *Ticket) terminal() bool {
	return t.Status == StatusClosed || t.Status == StatusCancelled
}
