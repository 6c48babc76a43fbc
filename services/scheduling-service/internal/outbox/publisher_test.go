package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/kairos-labs/slotkeeper/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

type fakeSource struct {
	pending   []Record
	published []Record
}

func (s *fakeSource) DrainOutbox(ctx context.Context, limit int, send func(context.Context, []Record) error) (int, error) {
	n := min(limit, len(s.pending))
	batch := s.pending[:n]
	if n == 0 {
		return 0, nil
	}
	if err := send(ctx, batch); err != nil {
		return 0, err
	}
	s.published = append(s.published, batch...)
	s.pending = s.pending[n:]
	return n, nil
}

type fakeWriter struct {
	fail error
	sent []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.fail != nil {
		return w.fail
	}
	w.sent = append(w.sent, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishOnceSendsBatch(t *testing.T) {
	src := &fakeSource{pending: []Record{
		{ID: 1, EventID: "e1", AggregateType: "slot", AggregateID: "s1", EventType: SlotBooked, Payload: []byte(`{}`)},
		{ID: 2, EventID: "e2", AggregateType: "slot", AggregateID: "s2", EventType: SlotBooked, Payload: []byte(`{}`)},
		{ID: 3, EventID: "e3", AggregateType: "appointment", AggregateID: "a1", EventType: AppointmentCancelled, Payload: []byte(`{}`)},
	}}
	w := &fakeWriter{}
	p := NewPublisher(src, w, testLogger(), PublisherConfig{BatchSize: 2})

	n, err := p.PublishOnce(context.Background())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 2 || len(w.sent) != 2 || len(src.pending) != 1 {
		t.Fatalf("expected 2 sent and 1 pending, got n=%d sent=%d pending=%d", n, len(w.sent), len(src.pending))
	}
	msg := w.sent[0]
	if msg.Topic != SlotBooked || string(msg.Key) != "s1" {
		t.Fatalf("unexpected message routing: topic=%s key=%s", msg.Topic, msg.Key)
	}
	if got := kafkax.HeaderValue(msg.Headers, "event_id"); got != "e1" {
		t.Fatalf("expected event_id header e1, got %q", got)
	}
}

func TestPublishOnceFailureKeepsPending(t *testing.T) {
	src := &fakeSource{pending: []Record{{ID: 1, EventID: "e1", AggregateID: "s1", EventType: SlotBooked}}}
	p := NewPublisher(src, &fakeWriter{fail: errors.New("broker down")}, testLogger(), PublisherConfig{})

	if _, err := p.PublishOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if len(src.pending) != 1 || len(src.published) != 0 {
		t.Fatalf("failed send must leave record pending")
	}
}

func TestNewKafkaWriterWithoutBrokers(t *testing.T) {
	if w := NewKafkaWriter(" , "); w != nil {
		t.Fatalf("expected nil writer")
	}
}

func TestNewEvent(t *testing.T) {
	evt, err := NewEvent("slot", "s1", SlotBooked, map[string]string{"slot_id": "s1"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if string(evt.Payload) != `{"slot_id":"s1"}` {
		t.Fatalf("unexpected payload %s", evt.Payload)
	}
}
