package posting

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
)

// Handler exposes read access to posted documents.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler builds Handler instance.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// MountRoutes registers document routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}", h.show)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed document id")
		return
	}
	doc, err := h.engine.GetDocument(r.Context(), tenant, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, documentResponse(doc))
}

type documentView struct {
	ID         uuid.UUID  `json:"id"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status"`
	Number     string     `json:"number,omitempty"`
	Net        string     `json:"net"`
	Tax        string     `json:"tax"`
	Gross      string     `json:"gross"`
	TicketID   *uuid.UUID `json:"ticket_id,omitempty"`
	ReversesID *uuid.UUID `json:"reverses_id,omitempty"`
	VoidReason string     `json:"void_reason,omitempty"`
	Lines      []lineView `json:"lines"`
}

type lineView struct {
	LineNo      int    `json:"line_no"`
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	TaxRate     string `json:"tax_rate"`
}

func documentResponse(doc Document) documentView {
	v := documentView{
		ID:         doc.ID,
		Kind:       doc.Kind,
		Status:     doc.Status,
		Net:        doc.Net.String(),
		Tax:        doc.Tax.String(),
		Gross:      doc.Gross.String(),
		TicketID:   doc.TicketID,
		ReversesID: doc.ReversesID,
		VoidReason: doc.VoidReason,
	}
	if doc.Number > 0 {
		v.Number = doc.FormattedNumber()
	}
	for _, l := range doc.Lines {
		v.Lines = append(v.Lines, lineView{
			LineNo:      l.LineNo,
			Description: l.Description,
			Quantity:    l.Quantity.String(),
			UnitPrice:   l.UnitPrice.String(),
			TaxRate:     l.TaxRate.String(),
		})
	}
	return v
}
