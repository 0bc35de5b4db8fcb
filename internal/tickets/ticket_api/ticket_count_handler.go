package ticket_api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-settlement/internal/utils"
)

// TierAvailability reports sold and remaining tickets for a tier.
func (h *Handler) TierAvailability(w http.ResponseWriter, r *http.Request) {
	tierID := chi.URLParam(r, "tierID")
	availability, err := h.TicketService.TierAvailability(r.Context(), tierID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Tier availability", availability))
}
