package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/joao-fontenele/orderflow-stock/internal/domain"
	"github.com/joao-fontenele/orderflow-stock/internal/ledger"
)

type stubLedger struct {
	stock      map[int64]domain.Stock
	applyErr   error
	applied    []domain.StockMovement
	movesLimit int
}

func (l *stubLedger) ListStock(context.Context) ([]domain.Stock, error) {
	var out []domain.Stock
	for _, id := range []int64{1, 2} {
		if s, ok := l.stock[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (l *stubLedger) GetStock(_ context.Context, variantID int64) (*domain.Stock, error) {
	if variantID == 500 {
		return nil, errors.New("db down")
	}
	s, ok := l.stock[variantID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (l *stubLedger) ListMovements(_ context.Context, variantID int64, limit int) ([]domain.StockMovement, error) {
	l.movesLimit = limit
	return []domain.StockMovement{{ID: 1, VariantID: variantID, Quantity: 100, Type: domain.MovementIn}}, nil
}

func (l *stubLedger) ApplyMovement(_ context.Context, m domain.StockMovement) (*domain.StockMovement, error) {
	if l.applyErr != nil {
		return nil, l.applyErr
	}
	m.ID = 9
	l.applied = append(l.applied, m)
	return &m, nil
}

func newTestMux(l stockLedger) *http.ServeMux {
	h := NewHandler(l, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stock", h.HandleListStock)
	mux.HandleFunc("GET /stock/{variantId}", h.HandleGetStock)
	mux.HandleFunc("GET /stock/{variantId}/movements", h.HandleListMovements)
	mux.HandleFunc("POST /stock/{variantId}/movements", h.HandleApplyMovement)
	return mux
}

func newStubLedger() *stubLedger {
	return &stubLedger{stock: map[int64]domain.Stock{
		1: {VariantID: 1, Quantity: 100, Reserved: 4, Active: true},
		2: {VariantID: 2, Quantity: 50, Active: true},
	}}
}

func TestHandler_HandleGetStock(t *testing.T) {
	t.Run("includes available quantity", func(t *testing.T) {
		mux := newTestMux(newStubLedger())

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stock/1", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if body["quantity"] != float64(100) || body["available"] != float64(96) {
			t.Errorf("unexpected body: %v", body)
		}
	})

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/stock/3", http.StatusNotFound},
		{"/stock/abc", http.StatusBadRequest},
		{"/stock/500", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			mux := newTestMux(newStubLedger())

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

func TestHandler_HandleListStock(t *testing.T) {
	mux := newTestMux(newStubLedger())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stock", nil))

	var body []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(body) != 2 {
		t.Errorf("expected 2 rows, got %d", len(body))
	}
}

func TestHandler_HandleListMovements(t *testing.T) {
	l := newStubLedger()
	mux := newTestMux(l)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stock/1/movements?limit=5", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if l.movesLimit != 5 {
		t.Errorf("expected limit 5, got %d", l.movesLimit)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stock/1/movements?limit=-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestHandler_HandleApplyMovement(t *testing.T) {
	t.Run("applies with idempotency key", func(t *testing.T) {
		l := newStubLedger()
		mux := newTestMux(l)

		req := httptest.NewRequest(http.MethodPost, "/stock/2/movements",
			strings.NewReader(`{"type":"IN","quantity":10,"reference":"Restock","notes":"PO-77"}`))
		req.Header.Set(IdempotencyHeader, "po-77")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		if len(l.applied) != 1 {
			t.Fatalf("expected 1 movement, got %d", len(l.applied))
		}
		m := l.applied[0]
		if m.VariantID != 2 || m.Type != domain.MovementIn || m.IdempotencyKey != "po-77" {
			t.Errorf("unexpected movement: %+v", m)
		}
	})

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"malformed body", "{", nil, http.StatusBadRequest},
		{"invalid movement", `{"type":"IN","quantity":0}`, fmt.Errorf("%w: quantity", ledger.ErrInvalidMovement), http.StatusBadRequest},
		{"insufficient stock", `{"type":"OUT","quantity":999}`, fmt.Errorf("adjust: %w", ledger.ErrInsufficientStock), http.StatusConflict},
		{"duplicate", `{"type":"IN","quantity":1}`, ledger.ErrDuplicateMovement, http.StatusConflict},
		{"internal", `{"type":"IN","quantity":1}`, errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newStubLedger()
			l.applyErr = tt.err
			mux := newTestMux(l)

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stock/2/movements", strings.NewReader(tt.body)))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}

type recordingCache struct {
	ids []int64
}

func (c *recordingCache) Invalidate(_ context.Context, ids ...int64) error {
	c.ids = append(c.ids, ids...)
	return nil
}

func TestCacheInvalidator(t *testing.T) {
	cache := &recordingCache{}
	inv := NewCacheInvalidator(cache, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := inv.Handle(context.Background(), domain.StockChangedEvent{VariantID: 4, Delta: -2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cache.ids) != 1 || cache.ids[0] != 4 {
		t.Errorf("expected variant 4 invalidated, got %v", cache.ids)
	}
}
