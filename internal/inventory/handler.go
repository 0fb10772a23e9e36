// Package inventory serves stock levels and manual stock adjustments.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/joao-fontenele/orderflow-stock/internal/domain"
	"github.com/joao-fontenele/orderflow-stock/internal/ledger"
)

// IdempotencyHeader lets clients retry a manual adjustment safely.
const IdempotencyHeader = "Idempotency-Key"

type stockLedger interface {
	ListStock(ctx context.Context) ([]domain.Stock, error)
	GetStock(ctx context.Context, variantID int64) (*domain.Stock, error)
	ListMovements(ctx context.Context, variantID int64, limit int) ([]domain.StockMovement, error)
	ApplyMovement(ctx context.Context, m domain.StockMovement) (*domain.StockMovement, error)
}

type Handler struct {
	ledger stockLedger
	logger *slog.Logger
}

func NewHandler(l stockLedger, logger *slog.Logger) *Handler {
	return &Handler{
		ledger: l,
		logger: logger,
	}
}

type stockResponse struct {
	domain.Stock
	Available int `json:"available"`
}

func newStockResponse(s domain.Stock) stockResponse {
	return stockResponse{Stock: s, Available: s.Available()}
}

func (h *Handler) HandleListStock(w http.ResponseWriter, r *http.Request) {
	items, err := h.ledger.ListStock(r.Context())
	if err != nil {
		h.logger.Error("failed to list stock", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]stockResponse, 0, len(items))
	for _, s := range items {
		resp = append(resp, newStockResponse(s))
	}

	h.logger.Info("stock listed", "count", len(items))
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	variantID, ok := h.variantID(w, r)
	if !ok {
		return
	}

	stock, err := h.ledger.GetStock(r.Context(), variantID)
	if err != nil {
		h.logger.Error("failed to get stock", "error", err, "variant_id", variantID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if stock == nil {
		h.writeError(w, http.StatusNotFound, "variant has no stock")
		return
	}

	h.writeJSON(w, http.StatusOK, newStockResponse(*stock))
}

func (h *Handler) HandleListMovements(w http.ResponseWriter, r *http.Request) {
	variantID, ok := h.variantID(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	movements, err := h.ledger.ListMovements(r.Context(), variantID, limit)
	if err != nil {
		h.logger.Error("failed to list movements", "error", err, "variant_id", variantID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, movements)
}

type movementRequest struct {
	Type      domain.MovementType `json:"type"`
	Quantity  int                 `json:"quantity"`
	Reference string              `json:"reference"`
	Notes     string              `json:"notes"`
}

func (h *Handler) HandleApplyMovement(w http.ResponseWriter, r *http.Request) {
	variantID, ok := h.variantID(w, r)
	if !ok {
		return
	}

	var req movementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	movement, err := h.ledger.ApplyMovement(r.Context(), domain.StockMovement{
		VariantID:      variantID,
		Quantity:       req.Quantity,
		Type:           req.Type,
		Reference:      req.Reference,
		Notes:          req.Notes,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidMovement):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ledger.ErrInsufficientStock), errors.Is(err, ledger.ErrDuplicateMovement):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("failed to apply movement", "error", err, "variant_id", variantID)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, movement)
}

func (h *Handler) variantID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("variantId"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid variant id")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
