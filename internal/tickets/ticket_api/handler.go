package ticket_api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-settlement/internal/auth"
	"ms-settlement/internal/logger"
	tickets "ms-settlement/internal/tickets/service"
	"ms-settlement/internal/utils"
)

type Handler struct {
	TicketService *tickets.TicketService
	Logger        *logger.Logger
}

func NewHandler(ticketService *tickets.TicketService, log *logger.Logger) *Handler {
	return &Handler{TicketService: ticketService, Logger: log}
}

// ViewTicket returns a settled ticket by its number.
func (h *Handler) ViewTicket(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "ticketNumber")
	ticket, err := h.TicketService.GetTicket(r.Context(), number)
	if err != nil {
		h.writeError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Ticket found", ticket))
}

func (h *Handler) TicketQR(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "ticketNumber")
	png, err := h.TicketService.QRCode(r.Context(), number)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// ScanTicket admits a ticket at the gate.
// Expected POST request body: {"encrypted_qr": "..."} or {"ticket_number": "TKT-..."}
func (h *Handler) ScanTicket(w http.ResponseWriter, r *http.Request) {
	var req tickets.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if req.EncryptedQR == "" && req.TicketNumber == "" {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", "encrypted_qr or ticket_number is required"))
		return
	}

	ticket, err := h.TicketService.Scan(r.Context(), req, auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("✅ Checkin successful", ticket))
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tickets.ErrTicketNotFound), errors.Is(err, tickets.ErrTierNotFound), errors.Is(err, tickets.ErrNoQRCode):
		utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("Not found", err.Error()))
	case errors.Is(err, tickets.ErrAlreadyScanned), errors.Is(err, tickets.ErrTicketNotValid):
		utils.WriteJSON(w, http.StatusConflict, utils.ErrorResponse("Entry refused", err.Error()))
	case errors.Is(err, tickets.ErrInvalidQR):
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Entry refused", err.Error()))
	default:
		h.Logger.Error("TICKETS", err.Error())
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Internal error", "please retry"))
	}
}
