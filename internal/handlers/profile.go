package handlers

import (
	"context"
	"net/http"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/jeet-patel/subscription-ledger/internal/middleware"
	"github.com/jeet-patel/subscription-ledger/internal/models"
)

type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	CreateProfile(ctx context.Context, p *models.Profile) error
}

type ProfileHandler struct {
	profiles ProfileStore
}

func NewProfileHandler(profiles ProfileStore) *ProfileHandler {
	return &ProfileHandler{profiles: profiles}
}

type createProfileRequest struct {
	Email string `json:"email"`
}

// Profile handles GET and POST /profile
func (h *ProfileHandler) Profile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.get(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *ProfileHandler) get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	p, err := h.profiles.GetProfile(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if p == nil {
		writeDomainError(w, r, models.Errorf(models.ErrNotFound, "profile %s", userID))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ProfileHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}

	userID := middleware.UserID(r.Context())
	if _, err := uuid.Parse(userID); err != nil {
		writeError(w, http.StatusBadRequest, "user id must be a UUID")
		return
	}

	existing, err := h.profiles.GetProfile(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if existing != nil {
		writeJSON(w, http.StatusOK, existing)
		return
	}

	p := &models.Profile{
		ID:           userID,
		Email:        strings.ToLower(addr.Address),
		Tier:         models.TierFree,
		Status:       models.StatusInactive,
		ReferralCode: referralCode(),
	}
	if err := h.profiles.CreateProfile(r.Context(), p); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func referralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:10])
}
