package payment_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-settlement/internal/logger"
	"ms-settlement/internal/metrics"
	"ms-settlement/internal/payment"
	"ms-settlement/internal/pricing"
	"ms-settlement/internal/processor"
	"ms-settlement/internal/settlement"
	"ms-settlement/internal/utils"
	"ms-settlement/internal/webhook"
)

const maxWebhookBody = 1 << 20

type Handler struct {
	PaymentService *payment.Service
	Metrics        *metrics.Metrics
	Logger         *logger.Logger
}

func NewHandler(svc *payment.Service, m *metrics.Metrics, log *logger.Logger) *Handler {
	return &Handler{PaymentService: svc, Metrics: m, Logger: log}
}

// PaymentWebhook receives processor notifications. Business rejections and
// duplicates are acknowledged with 200 so the processor stops retrying; only
// storage trouble answers 500.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	kind := "unknown"
	status := http.StatusOK
	defer func() {
		h.Metrics.ObserveWebhook(kind, fmt.Sprint(status), time.Since(start).Seconds())
	}()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil || len(raw) > maxWebhookBody {
		status = http.StatusBadRequest
		h.Logger.Error("API", "PaymentWebhook: unreadable or oversized body")
		http.Error(w, "Invalid webhook payload", status)
		return
	}

	out, err := h.PaymentService.HandleWebhook(r.Context(), raw, r.Header.Get(webhook.SignatureHeader))
	if err != nil {
		var webhookErr *payment.WebhookError
		if errors.As(err, &webhookErr) {
			status = webhookErr.StatusCode
			h.Logger.Error("API", fmt.Sprintf("PaymentWebhook: %s error (%d): %s", webhookErr.Category, webhookErr.StatusCode, webhookErr.InternalError))
			http.Error(w, webhookErr.PublicError, status)
			return
		}
		status = http.StatusInternalServerError
		http.Error(w, "Webhook processing error", status)
		return
	}

	kind = string(out.Kind)
	utils.WriteJSON(w, status, utils.SuccessResponse("Webhook received", out))
}

func (h *Handler) InitializePayment(w http.ResponseWriter, r *http.Request) {
	var req payment.InitializeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}

	result, err := h.PaymentService.Initialize(r.Context(), req)
	if err != nil {
		h.writeError(w, "InitializePayment", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Checkout initialized", result))
}

// VerifyPayment settles a payment the buyer was redirected back with, in
// case the webhook is late.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	result, err := h.PaymentService.VerifyAndSettle(r.Context(), reference)
	if err != nil {
		h.writeError(w, "VerifyPayment", err)
		return
	}

	switch result.Outcome {
	case settlement.OutcomeRejected:
		utils.WriteJSON(w, http.StatusUnprocessableEntity, utils.APIResponse{
			Success:   false,
			Message:   "Payment received but could not be settled",
			Data:      result,
			Error:     string(result.Kind),
			Timestamp: time.Now().UTC(),
		})
	default:
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Payment "+string(result.Outcome), result))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	message := "Internal error"
	switch {
	case errors.Is(err, payment.ErrInvalidRequest),
		errors.Is(err, pricing.ErrResellerInvalid),
		errors.Is(err, pricing.ErrInvalidVoteCount):
		status, message = http.StatusBadRequest, "Invalid request"
	case errors.Is(err, pricing.ErrTierNotFound), errors.Is(err, pricing.ErrCandidateNotFound):
		status, message = http.StatusNotFound, "Not found"
	case errors.Is(err, pricing.ErrSoldOut):
		status, message = http.StatusConflict, "Sold out"
	case errors.Is(err, payment.ErrPaymentIncomplete):
		status, message = http.StatusAccepted, "Payment pending"
	case errors.Is(err, processor.ErrRejected):
		status, message = http.StatusBadGateway, "Payment processor error"
	}
	detail := err.Error()
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
		if status == http.StatusInternalServerError {
			detail = "please retry"
		}
	}
	utils.WriteJSON(w, status, utils.ErrorResponse(message, detail))
}
