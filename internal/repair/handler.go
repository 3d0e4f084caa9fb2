package repair

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
)

// Handler exposes read access to repair tickets plus the public status page.
type Handler struct {
	workflow *Workflow
	tokens   *TokenSigner
	logger   *slog.Logger
}

// NewHandler builds Handler instance.
func NewHandler(workflow *Workflow, tokens *TokenSigner, logger *slog.Logger) *Handler {
	return &Handler{workflow: workflow, tokens: tokens, logger: logger}
}

// MountRoutes registers tenant-scoped ticket routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}", h.show)
	r.Get("/{id}/public-link", h.publicLink)
}

// MountPublicRoutes registers the unauthenticated status endpoint.
func (h *Handler) MountPublicRoutes(r chi.Router) {
	r.Get("/tickets/{token}", h.publicStatus)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed ticket id")
		return
	}
	ticket, err := h.workflow.GetTicket(r.Context(), tenant, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ticketResponse(ticket))
}

func (h *Handler) publicLink(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed ticket id")
		return
	}
	// Issue only for tickets that exist in this tenant.
	if _, err := h.workflow.GetTicket(r.Context(), tenant, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	token := h.tokens.Sign(tenant, id, time.Now().UTC())
	httpx.JSON(w, http.StatusOK, map[string]string{"token": token})
}

// publicStatus resolves a signed token to a minimal status view. It leaks no
// customer or billing data.
func (h *Handler) publicStatus(w http.ResponseWriter, r *http.Request) {
	tenant, id, err := h.tokens.Verify(chi.URLParam(r, "token"), time.Now().UTC())
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown or expired link")
		return
	}
	ticket, err := h.workflow.GetTicket(r.Context(), tenant, id)
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown or expired link")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"status": ticket.Status,
		"store":  ticket.StoreLocation,
	})
}

type ticketView struct {
	ID            uuid.UUID    `json:"id"`
	Status        Status       `json:"status"`
	StoreLocation string       `json:"store_location"`
	IntakeAt      time.Time    `json:"intake_at"`
	Notes         []Note       `json:"notes"`
	TimeEntries   []TimeEntry  `json:"time_entries"`
	Lines         []ChargeLine `json:"lines"`
	InvoiceID     *uuid.UUID   `json:"invoice_id,omitempty"`
	CancelReason  string       `json:"cancel_reason,omitempty"`
}

func ticketResponse(t Ticket) ticketView {
	return ticketView{
		ID:            t.ID,
		Status:        t.Status,
		StoreLocation: t.StoreLocation,
		IntakeAt:      t.IntakeAt,
		Notes:         t.Notes,
		TimeEntries:   t.TimeEntries,
		Lines:         t.Lines,
		InvoiceID:     t.InvoiceID,
		CancelReason:  t.CancelReason,
	}
}
