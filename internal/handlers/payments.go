package handlers

import (
	"context"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/jeet-patel/subscription-ledger/internal/middleware"
	"github.com/jeet-patel/subscription-ledger/internal/models"
)

// SignatureHeader carries the hex HMAC of the webhook body.
const SignatureHeader = "X-Signature"

const maxWebhookBody = 1 << 20

type PaymentService interface {
	CalculateUpgrade(ctx context.Context, userID, newProductID string) (*models.UpgradeQuote, error)
	CreatePayment(ctx context.Context, userID string, req models.CreatePaymentRequest) (*models.CreatePaymentResponse, error)
}

type WebhookProcessor interface {
	Handle(ctx context.Context, signature string, body []byte) (string, error)
}

type PaymentHandler struct {
	payments PaymentService
	webhooks WebhookProcessor
}

func NewPaymentHandler(payments PaymentService, webhooks WebhookProcessor) *PaymentHandler {
	return &PaymentHandler{payments: payments, webhooks: webhooks}
}

// CalculateUpgrade handles GET /payments/calculate-upgrade?newProductId=
func (h *PaymentHandler) CalculateUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	productID := r.URL.Query().Get("newProductId")
	if productID == "" {
		writeError(w, http.StatusBadRequest, "newProductId is required")
		return
	}

	quote, err := h.payments.CalculateUpgrade(r.Context(), middleware.UserID(r.Context()), productID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// CreatePayment handles POST /payments/create
func (h *PaymentHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req models.CreatePaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	if req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "productId is required")
		return
	}
	if req.BonusToUse < 0 {
		writeError(w, http.StatusBadRequest, "bonusToUse must not be negative")
		return
	}

	resp, err := h.payments.CreatePayment(r.Context(), middleware.UserID(r.Context()), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Webhook handles POST /payments/webhook. Any non-2xx makes the gateway redeliver.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		log.WithError(err).Warn("Failed to read webhook body")
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	outcome, err := h.webhooks.Handle(r.Context(), r.Header.Get(SignatureHeader), body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": outcome})
}
