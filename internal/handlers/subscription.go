package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/jeet-patel/subscription-ledger/internal/middleware"
	"github.com/jeet-patel/subscription-ledger/internal/models"
	"github.com/jeet-patel/subscription-ledger/internal/subscription"
)

type SubscriptionService interface {
	CancelSoft(ctx context.Context, userID, reason string) (*models.Profile, error)
	CancelHard(ctx context.Context, actor models.Actor, targetID string, confirm bool) (*models.Profile, error)
	SetAutoRenew(ctx context.Context, userID string, enabled bool) (*models.Profile, error)
	RenewDue(ctx context.Context) (*subscription.RenewalReport, error)
}

type ProfileReader interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
}

type SubscriptionHandler struct {
	subscriptions SubscriptionService
	profiles      ProfileReader
}

func NewSubscriptionHandler(subscriptions SubscriptionService, profiles ProfileReader) *SubscriptionHandler {
	return &SubscriptionHandler{subscriptions: subscriptions, profiles: profiles}
}

// Cancel handles POST /subscription/cancel
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req models.CancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	profile, err := h.subscriptions.CancelSoft(r.Context(), middleware.UserID(r.Context()), strings.TrimSpace(req.Reason))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// Reset handles POST /subscription/reset
func (h *SubscriptionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req models.ResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	actorID := middleware.UserID(r.Context())
	actor, err := h.profiles.GetProfile(r.Context(), actorID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if actor == nil {
		writeDomainError(w, r, models.Errorf(models.ErrUnauthorized, "unknown caller"))
		return
	}

	profile, err := h.subscriptions.CancelHard(r.Context(),
		models.Actor{UserID: actor.ID, IsAdmin: actor.IsAdmin}, req.UserID, req.Confirm)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// AutoRenew handles POST /subscription/auto-renew
func (h *SubscriptionHandler) AutoRenew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req models.AutoRenewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	profile, err := h.subscriptions.SetAutoRenew(r.Context(), middleware.UserID(r.Context()), req.Enabled)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// RenewSubscriptions handles GET /cron/renew-subscriptions
func (h *SubscriptionHandler) RenewSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	report, err := h.subscriptions.RenewDue(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
