package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/joao-fontenele/orderflow-stock/internal/domain"
)

type fakeFeedWriter struct {
	msgs []kafka.Message
}

func (f *fakeFeedWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeFeedWriter) Close() error { return nil }

func TestFeedProducer_PublishStockChanges(t *testing.T) {
	writer := &fakeFeedWriter{}
	p := &FeedProducer{writer: writer, topic: "stock.movements"}

	events := []domain.StockChangedEvent{
		{VariantID: 5, Delta: -3, Type: domain.MovementOut, Reference: "Order", Quantity: 97, Timestamp: time.Now().UTC()},
		{VariantID: 7, Delta: -1, Type: domain.MovementOut, Reference: "Order", Quantity: 99, Timestamp: time.Now().UTC()},
	}

	if err := p.PublishStockChanges(context.Background(), events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(writer.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(writer.msgs))
	}
	if string(writer.msgs[0].Key) != "5" || string(writer.msgs[1].Key) != "7" {
		t.Errorf("expected variant keys, got %s and %s", writer.msgs[0].Key, writer.msgs[1].Key)
	}

	var decoded domain.StockChangedEvent
	if err := json.Unmarshal(writer.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	if decoded.Delta != -3 {
		t.Errorf("expected delta -3, got %d", decoded.Delta)
	}

	if err := p.PublishStockChanges(context.Background(), nil); err != nil {
		t.Errorf("expected no error for empty batch, got %v", err)
	}
	if len(writer.msgs) != 2 {
		t.Errorf("expected empty batch to write nothing, got %d messages", len(writer.msgs))
	}
}
