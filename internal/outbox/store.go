// Package outbox records order events in the order transaction and relays
// them to the broker after commit.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Event struct {
	ID        uuid.UUID
	OrderID   int64
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
	Attempts  int
}

func NewEvent(orderID int64, eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:      uuid.New(),
		OrderID: orderID,
		Type:    eventType,
		Payload: data,
	}, nil
}

// Insert writes e inside tx so it commits or rolls back with the order.
func Insert(ctx context.Context, tx *sql.Tx, e Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, order_id, type, payload, created_at, attempts)
		VALUES ($1, $2, $3, $4, NOW(), 0)
	`, e.ID, e.OrderID, e.Type, []byte(e.Payload))
	return err
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	return markDispatched(ctx, s.db, id)
}

// Pending counts events not yet handed to the broker.
func (s *Store) Pending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox_events WHERE dispatched_at IS NULL
	`).Scan(&n)
	return n, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func markDispatched(ctx context.Context, q execer, id uuid.UUID) error {
	_, err := q.ExecContext(ctx, `
		UPDATE outbox_events
		SET dispatched_at = NOW(), attempts = attempts + 1
		WHERE id = $1 AND dispatched_at IS NULL
	`, id)
	return err
}

func recordFailure(ctx context.Context, q execer, id uuid.UUID, cause error) error {
	_, err := q.ExecContext(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1
	`, id, cause.Error())
	return err
}

// lockPending claims up to limit undispatched events older than grace.
func lockPending(ctx context.Context, tx *sql.Tx, limit int, grace time.Duration) ([]Event, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, order_id, type, payload, created_at, attempts
		FROM outbox_events
		WHERE dispatched_at IS NULL
		  AND created_at <= NOW() - $2::bigint * INTERVAL '1 millisecond'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit, grace.Milliseconds())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Type, &payload, &e.CreatedAt, &e.Attempts); err != nil {
			return nil, err
		}
		e.Payload = payload
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}
