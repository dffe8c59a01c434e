package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/studyraid/packledger/internal/infrastructure/auth"
	"github.com/studyraid/packledger/internal/models"
	service "github.com/studyraid/packledger/internal/services"
	pkgerrors "github.com/studyraid/packledger/pkg/errors"
)

type Handler struct {
	service service.PackService
}

func NewHandler(s service.PackService) *Handler {
	return &Handler{service: s}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/bundles", h.GetBundles).Methods("GET")
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/purchases", h.ListPurchases).Methods("GET")
	r.HandleFunc("/consume", h.Consume).Methods("POST")
}

func (h *Handler) RegisterAdminRoutes(r *mux.Router) {
	r.HandleFunc("/purchases", h.CreatePurchase).Methods("POST")
	r.HandleFunc("/purchases/{id}/refund", h.RefundPurchase).Methods("POST")
}

func (h *Handler) GetBundles(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.GetBundles())
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("user not authenticated"))
		return
	}

	summary, err := h.service.GetAvailableBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("user not authenticated"))
		return
	}

	purchases, err := h.service.ListPurchases(r.Context(), userID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if purchases == nil {
		purchases = []models.Purchase{}
	}
	h.writeJSON(w, http.StatusOK, purchases)
}

func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("user not authenticated"))
		return
	}

	var req struct {
		Quantity       int32  `json:"quantity"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.IdempotencyKey == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("idempotency_key is required"))
		return
	}

	plan := auth.Plan(r.Context())
	breakdown, err := h.service.ConsumePacks(r.Context(), userID, plan, req.Quantity, req.IdempotencyKey)
	if errors.Is(err, pkgerrors.ErrConflict) {
		// Contention aborted the whole allocation; one transparent retry.
		breakdown, err = h.service.ConsumePacks(r.Context(), userID, plan, req.Quantity, req.IdempotencyKey)
	}
	if err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, pkgerrors.ErrInsufficientBalance):
			h.writeError(w, http.StatusPaymentRequired, err)
		case errors.Is(err, pkgerrors.ErrConflict):
			h.writeError(w, http.StatusConflict, err)
		default:
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, breakdown)
}

func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req models.PurchaseInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	purchase, err := h.service.CreatePurchase(r.Context(), req)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidInput) {
			h.writeError(w, http.StatusBadRequest, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, purchase)
}

func (h *Handler) RefundPurchase(w http.ResponseWriter, r *http.Request) {
	purchaseID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid purchase id"))
		return
	}

	var req struct {
		RefundAmount float64 `json:"refund_amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	purchase, err := h.service.RefundPurchase(r.Context(), purchaseID, req.RefundAmount)
	if err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, pkgerrors.ErrPurchaseNotFound):
			h.writeError(w, http.StatusNotFound, err)
		case errors.Is(err, pkgerrors.ErrPurchaseNotActive):
			h.writeError(w, http.StatusConflict, err)
		default:
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, purchase)
}
