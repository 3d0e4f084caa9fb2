package inventory

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
)

// Handler exposes read access to stock positions.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler builds Handler instance.
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/positions", h.position)
}

func (h *Handler) position(w http.ResponseWriter, r *http.Request) {
	tenant, err := httpx.TenantID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	product, err := uuid.Parse(r.URL.Query().Get("product_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed product_id")
		return
	}
	warehouse, err := uuid.Parse(r.URL.Query().Get("warehouse_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed warehouse_id")
		return
	}

	pos, err := h.ledger.CurrentPosition(r.Context(), tenant, product, warehouse)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"product_id":   pos.ProductID,
		"warehouse_id": pos.WarehouseID,
		"on_hand":      pos.OnHand.String(),
		"avg_cost":     pos.AvgCost.String(),
	})
}
