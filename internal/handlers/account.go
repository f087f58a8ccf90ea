package handlers

import (
	"context"
	"net/http"

	"github.com/jeet-patel/subscription-ledger/internal/bonus"
	"github.com/jeet-patel/subscription-ledger/internal/middleware"
	"github.com/jeet-patel/subscription-ledger/internal/models"
)

type ReferralService interface {
	Register(ctx context.Context, code, newUserID string) (*models.Referral, bool, error)
}

type BonusService interface {
	Balance(ctx context.Context, userID string) (*models.BonusAccount, error)
	History(ctx context.Context, userID string, limit int) ([]models.BonusTransaction, error)
}

type AccountHandler struct {
	referrals ReferralService
	bonus     BonusService
}

func NewAccountHandler(referrals ReferralService, bonus BonusService) *AccountHandler {
	return &AccountHandler{referrals: referrals, bonus: bonus}
}

type bonusAccountResponse struct {
	*models.BonusAccount
	CashbackPercent int64                     `json:"cashback_percent"`
	Transactions    []models.BonusTransaction `json:"transactions"`
}

// RegisterReferral handles POST /referrals/register
func (h *AccountHandler) RegisterReferral(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req models.RegisterReferralRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	ref, created, err := h.referrals.Register(r.Context(), req.Code, middleware.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, ref)
}

// BonusAccount handles GET /bonus/account
func (h *AccountHandler) BonusAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	userID := middleware.UserID(r.Context())
	account, err := h.bonus.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	history, err := h.bonus.History(r.Context(), userID, 20)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if history == nil {
		history = []models.BonusTransaction{}
	}

	writeJSON(w, http.StatusOK, bonusAccountResponse{
		BonusAccount:    account,
		CashbackPercent: bonus.CashbackPercent(account.CashbackLevel),
		Transactions:    history,
	})
}
