package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

type published struct {
	messageID string
	orderID   int64
	payload   string
}

type fakePublisher struct {
	calls []published
	fail  map[int64]error
}

func (p *fakePublisher) Publish(_ context.Context, messageID string, orderID int64, payload json.RawMessage) error {
	p.calls = append(p.calls, published{messageID: messageID, orderID: orderID, payload: string(payload)})
	return p.fail[orderID]
}

func newTestRelay(t *testing.T, pub Publisher, grace time.Duration) (*Relay, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	relay, err := NewRelay(db, pub, time.Millisecond, grace, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create relay: %v", err)
	}
	return relay, mock
}

func TestRelay_DispatchPending(t *testing.T) {
	columns := []string{"id", "order_id", "type", "payload", "created_at", "attempts"}

	t.Run("publishes and marks events dispatched", func(t *testing.T) {
		pub := &fakePublisher{}
		relay, mock := newTestRelay(t, pub, 0)
		first, second := uuid.New(), uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
			WithArgs(10, 0).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow(first.String(), 1, "OrderProcessed", []byte(`{"OrderId":1}`), time.Now(), 0).
				AddRow(second.String(), 2, "OrderProcessed", []byte(`{"OrderId":2}`), time.Now(), 3))
		mock.ExpectExec(`SET dispatched_at = NOW\(\)`).
			WithArgs(first).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`SET dispatched_at = NOW\(\)`).
			WithArgs(second).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		sent, err := relay.DispatchPending(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sent != 2 {
			t.Errorf("expected 2 sent, got %d", sent)
		}
		if len(pub.calls) != 2 || pub.calls[0].messageID != first.String() || pub.calls[1].payload != `{"OrderId":2}` {
			t.Errorf("unexpected publishes: %+v", pub.calls)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("leaves events inside the grace window alone", func(t *testing.T) {
		pub := &fakePublisher{}
		relay, mock := newTestRelay(t, pub, 2*time.Second)

		mock.ExpectBegin()
		mock.ExpectQuery(`created_at <= NOW\(\) - \$2::bigint \* INTERVAL '1 millisecond'`).
			WithArgs(10, 2000).
			WillReturnRows(sqlmock.NewRows(columns))
		mock.ExpectCommit()

		sent, err := relay.DispatchPending(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sent != 0 || len(pub.calls) != 0 {
			t.Errorf("expected nothing published, got %d sent and %+v", sent, pub.calls)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("records failures for the next tick", func(t *testing.T) {
		pub := &fakePublisher{fail: map[int64]error{1: errors.New("channel closed")}}
		relay, mock := newTestRelay(t, pub, 0)
		id := uuid.New()

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow(id.String(), 1, "OrderProcessed", []byte(`{}`), time.Now(), 0))
		mock.ExpectExec(`SET attempts = attempts \+ 1, last_error = \$2`).
			WithArgs(id, "channel closed").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		sent, err := relay.DispatchPending(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sent != 0 {
			t.Errorf("expected nothing sent, got %d", sent)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	relay, mock := newTestRelay(t, &fakePublisher{}, 0)
	mock.MatchExpectationsInOrder(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := relay.Run(ctx); err != nil {
		t.Errorf("expected nil on cancel, got %v", err)
	}
}

func TestNewEvent(t *testing.T) {
	e, err := NewEvent(7, "OrderProcessed", map[string]int{"OrderId": 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.ID == uuid.Nil {
		t.Error("expected generated id")
	}
	if string(e.Payload) != `{"OrderId":7}` {
		t.Errorf("unexpected payload %s", e.Payload)
	}
}
