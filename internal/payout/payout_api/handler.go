package payout_api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-settlement/internal/auth"
	"ms-settlement/internal/database"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
	"ms-settlement/internal/payout"
	payoutdb "ms-settlement/internal/payout/db"
	"ms-settlement/internal/settlement"
	"ms-settlement/internal/utils"
)

type Sweeper interface {
	Sweep(ctx context.Context) (*payout.Report, error)
	Recredit(ctx context.Context, reference string) (*models.Transfer, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, reference string) (*settlement.ReconcileReport, error)
}

// Handler serves the operator endpoints. Routes are mounted behind
// auth.RequireRole.
type Handler struct {
	Sweeper    Sweeper
	Reconciler Reconciler
	Logger     *logger.Logger
}

func NewHandler(sweeper Sweeper, reconciler Reconciler, log *logger.Logger) *Handler {
	return &Handler{Sweeper: sweeper, Reconciler: reconciler, Logger: log}
}

// TriggerSweep runs a payout sweep now and returns its report.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	operator := auth.UserID(r.Context())
	h.Logger.LogPayout("SWEEP_REQUESTED", operator, "manual sweep")

	report, err := h.Sweeper.Sweep(r.Context())
	if err != nil {
		h.Logger.Error("PAYOUT", fmt.Sprintf("Manual sweep by %s failed: %v", operator, err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Sweep failed", "please retry"))
		return
	}
	if report.LockBusy {
		utils.WriteJSON(w, http.StatusConflict, utils.APIResponse{
			Success:   false,
			Message:   "Another sweep is running",
			Data:      report,
			Timestamp: report.FinishedAt,
		})
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Sweep completed", report))
}

// RecreditTransfer returns a failed or reversed transfer to the balance.
func (h *Handler) RecreditTransfer(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	operator := auth.UserID(r.Context())

	transfer, err := h.Sweeper.Recredit(r.Context(), reference)
	switch {
	case err == nil:
		h.Logger.LogSecurity("RECREDIT", fmt.Sprintf("%s recredited transfer %s", operator, reference))
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Transfer recredited", transfer))
	case errors.Is(err, payoutdb.ErrTransferNotFound):
		utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("Not found", err.Error()))
	case errors.Is(err, payoutdb.ErrNotRecreditable), errors.Is(err, payoutdb.ErrAlreadyRecredited):
		utils.WriteJSON(w, http.StatusConflict, utils.ErrorResponse("Cannot recredit", err.Error()))
	default:
		h.Logger.Error("PAYOUT", fmt.Sprintf("Recredit of %s failed: %v", reference, err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Internal error", "please retry"))
	}
}

// ReconcileSettlement re-runs the idempotent bookkeeping of a settled payment.
func (h *Handler) ReconcileSettlement(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	report, err := h.Reconciler.Reconcile(r.Context(), reference)
	switch {
	case err == nil:
		h.Logger.LogSecurity("RECONCILE", fmt.Sprintf("%s reconciled %s", auth.UserID(r.Context()), reference))
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Settlement reconciled", report))
	case errors.Is(err, database.ErrNotFound):
		utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("Not found", err.Error()))
	default:
		h.Logger.Error("SETTLEMENT", fmt.Sprintf("Reconcile of %s failed: %v", reference, err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Internal error", "please retry"))
	}
}
