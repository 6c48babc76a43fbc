// Package storage defines the transactional store the engine runs against. Correctness of
// concurrent booking relies on the store's row locks and constraints, not on process locks.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/conflict"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/outbox"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/schederr"
)

// ErrExclusion reports that an appointment would overlap another blocking appointment of
// the same professional.
var ErrExclusion = errors.New("appointment overlaps an existing appointment")

type SlotQuery struct {
	ConfigID       string
	ProfessionalID string
	From           time.Time
	To             time.Time
	Status         model.SlotStatus
	Limit          int
}

type IdempotencyRecord struct {
	Scope         string
	Key           string
	AppointmentID string
}

type Store interface {
	conflict.BusyReader
	outbox.Source

	Begin(ctx context.Context) (Tx, error)

	GetConfig(ctx context.Context, id string) (model.AvailabilityConfig, error)
	UpsertConfig(ctx context.Context, cfg *model.AvailabilityConfig) error
	DisableConfig(ctx context.Context, id string) error
	ListActiveConfigs(ctx context.Context) ([]model.AvailabilityConfig, error)

	GetSlot(ctx context.Context, id string) (model.Slot, error)
	ListSlots(ctx context.Context, q SlotQuery) ([]model.Slot, error)

	// UpsertBlockedPeriod inserts, or updates the row with the same professional and
	// external id when ExternalID is set.
	UpsertBlockedPeriod(ctx context.Context, bp *model.BlockedPeriod) error

	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
}

// Tx is one unit of work. Rollback after Commit is a no-op, so callers defer it.
type Tx interface {
	conflict.BusyReader

	// LockSlot reads the slot and holds its row lock until the transaction ends. It waits
	// for a competing holder and gives up when ctx is done.
	LockSlot(ctx context.Context, id string) (model.Slot, error)
	UpdateSlotBooking(ctx context.Context, id string, status model.SlotStatus, bookedBy string) error
	ListSlots(ctx context.Context, q SlotQuery) ([]model.Slot, error)
	// DeleteAvailableSlots removes only available slots of the config starting inside span.
	DeleteAvailableSlots(ctx context.Context, configID string, span model.Interval) (int, error)
	// InsertSlots skips slots whose (config, start) already exists and returns the number stored.
	InsertSlots(ctx context.Context, slots []model.Slot) (int, error)

	CreateAppointment(ctx context.Context, appt *model.Appointment) error
	LockAppointment(ctx context.Context, id string) (model.Appointment, error)
	UpdateAppointment(ctx context.Context, appt *model.Appointment) error

	// LockIdempotencyKey returns the existing record when the key was used before, creating
	// and locking an empty one otherwise.
	LockIdempotencyKey(ctx context.Context, scope, key string) (IdempotencyRecord, bool, error)
	FinalizeIdempotency(ctx context.Context, scope, key, appointmentID string) error

	EnqueueEvent(ctx context.Context, evt outbox.Event) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

func IsNotFound(err error) bool {
	return errors.Is(err, schederr.ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}

func IsExclusionViolation(err error) bool {
	if errors.Is(err, ErrExclusion) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", schederr.ErrNotFound, kind, id)
}
