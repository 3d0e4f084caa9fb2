package bridge

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
)

// Handler exposes the webhook intake endpoint.
type Handler struct {
	bridge    *Bridge
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandler builds Handler instance.
func NewHandler(bridge *Bridge, logger *slog.Logger) *Handler {
	return &Handler{bridge: bridge, validator: validator.New(), logger: logger}
}

// MountRoutes registers webhook routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/orders", h.receiveOrder)
}

func (h *Handler) receiveOrder(w http.ResponseWriter, r *http.Request) {
	var ev OrderEvent
	if err := httpx.DecodeJSON(r, &ev); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Payload", err.Error())
		return
	}
	if err := h.validator.Struct(ev); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	res, err := h.bridge.Process(r.Context(), ev)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("order event rejected",
				slog.String("event_id", ev.EventID),
				slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}
