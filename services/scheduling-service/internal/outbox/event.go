package outbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types double as Kafka topic names.
const (
	SlotBooked               = "scheduling.slot.booked.v1"
	SlotWithdrawn            = "scheduling.slot.withdrawn.v1"
	SlotsGenerated           = "scheduling.slots.generated.v1"
	AppointmentScheduled     = "scheduling.appointment.scheduled.v1"
	AppointmentCancelled     = "scheduling.appointment.cancelled.v1"
	AppointmentStatusChanged = "scheduling.appointment.status_changed.v1"
)

// Event is written to the outbox in the same transaction as the state change it describes.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

func NewEvent(aggregateType, aggregateID, eventType string, payload any) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
	}, nil
}

// Record is a stored event awaiting publication.
type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}
