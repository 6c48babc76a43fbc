// Package booking arbitrates concurrent access to slots. Every transition runs in one store
// transaction holding the slot's row lock, so for a given slot successful bookings are
// totally ordered by commit and at most one appointment references it.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/conflict"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/outbox"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/schederr"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Coordinator struct {
	store  storage.Store
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewCoordinator(store storage.Store, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("booking"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type BookingRequest struct {
	SlotID      string
	RequesterID string
	Notes       string
	Metadata    model.Metadata
	// IdempotencyKey, scoped to the requester, makes a retried request return the
	// appointment created by the first attempt.
	IdempotencyKey string
}

// DirectRequest schedules an appointment that does not reference a slot.
type DirectRequest struct {
	ProfessionalID string
	ClientID       string
	Start          time.Time
	End            time.Time
	Timezone       string
	Notes          string
	Metadata       model.Metadata
}

func (c *Coordinator) BookSlot(ctx context.Context, req BookingRequest) (appt model.Appointment, err error) {
	req.SlotID = strings.TrimSpace(req.SlotID)
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	if req.SlotID == "" || req.RequesterID == "" {
		return model.Appointment{}, fmt.Errorf("%w: slot id and requester id are required", schederr.ErrInvalidArgument)
	}

	ctx, span := c.tracer.Start(ctx, "booking.BookSlot", trace.WithAttributes(
		attribute.String("slot.id", req.SlotID),
		attribute.String("requester.id", req.RequesterID),
	))
	defer func() { endSpan(span, err) }()

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if req.IdempotencyKey != "" {
		rec, exists, err := tx.LockIdempotencyKey(ctx, req.RequesterID, req.IdempotencyKey)
		if err != nil {
			return model.Appointment{}, fmt.Errorf("lock idempotency key: %w", err)
		}
		if exists {
			prior, err := tx.LockAppointment(ctx, rec.AppointmentID)
			if err != nil {
				return model.Appointment{}, err
			}
			span.SetAttributes(attribute.Bool("idempotent.replay", true))
			return prior, tx.Commit(ctx)
		}
	}

	slot, err := tx.LockSlot(ctx, req.SlotID)
	if err != nil {
		return model.Appointment{}, err
	}
	if slot.Status != model.SlotAvailable {
		c.logger.Info("slot unavailable", "slot_id", slot.ID, "status", slot.Status, "requester_id", req.RequesterID)
		return model.Appointment{}, fmt.Errorf("%w: slot %s is %s", schederr.ErrSlotUnavailable, slot.ID, slot.Status)
	}

	res, err := conflict.NewDetector(tx).HasConflict(ctx, slot.Interval(), slot.ProfessionalID)
	if err != nil {
		return model.Appointment{}, err
	}
	if res.Conflict() {
		c.logger.Info("slot conflicts with busy time", "slot_id", slot.ID,
			"appointments", len(res.Appointments), "blocked_periods", len(res.BlockedPeriods))
		return model.Appointment{}, &conflict.Error{Result: res}
	}

	if err := tx.UpdateSlotBooking(ctx, slot.ID, model.SlotBooked, req.RequesterID); err != nil {
		return model.Appointment{}, fmt.Errorf("mark slot booked: %w", err)
	}
	appt = model.Appointment{
		ProfessionalID: slot.ProfessionalID,
		ClientID:       req.RequesterID,
		SlotID:         slot.ID,
		Start:          slot.Start,
		End:            slot.End,
		Timezone:       slot.Timezone,
		Status:         model.AppointmentScheduled,
		Notes:          req.Notes,
		Metadata:       req.Metadata,
	}
	if err := c.createAppointment(ctx, tx, &appt); err != nil {
		return model.Appointment{}, err
	}

	evt, err := outbox.NewEvent("slot", slot.ID, outbox.SlotBooked, appointmentPayload(appt))
	if err != nil {
		return model.Appointment{}, err
	}
	if err := tx.EnqueueEvent(ctx, evt); err != nil {
		return model.Appointment{}, fmt.Errorf("enqueue event: %w", err)
	}
	if req.IdempotencyKey != "" {
		if err := tx.FinalizeIdempotency(ctx, req.RequesterID, req.IdempotencyKey, appt.ID); err != nil {
			return model.Appointment{}, fmt.Errorf("finalize idempotency key: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}

	c.logger.Info("slot booked", "slot_id", slot.ID, "appointment_id", appt.ID, "professional_id", appt.ProfessionalID)
	return appt, nil
}

// CancelAppointment frees the booked slot in the same transaction. Cancelling an already
// cancelled appointment returns it unchanged.
func (c *Coordinator) CancelAppointment(ctx context.Context, appointmentID, actorID, reason string) (appt model.Appointment, err error) {
	ctx, span := c.tracer.Start(ctx, "booking.CancelAppointment", trace.WithAttributes(
		attribute.String("appointment.id", appointmentID),
	))
	defer func() { endSpan(span, err) }()

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err = tx.LockAppointment(ctx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}
	if appt.Status == model.AppointmentCancelled {
		return appt, tx.Commit(ctx)
	}
	if !appt.Status.CanTransition(model.AppointmentCancelled) {
		return model.Appointment{}, fmt.Errorf("%w: cannot cancel a %s appointment", schederr.ErrInvalidTransition, appt.Status)
	}

	at := c.now()
	appt.Status = model.AppointmentCancelled
	appt.CancelledAt = &at
	appt.CancelledBy = actorID
	appt.CancelReason = reason
	if err := tx.UpdateAppointment(ctx, &appt); err != nil {
		return model.Appointment{}, fmt.Errorf("update appointment: %w", err)
	}

	if appt.SlotID != "" {
		slot, err := tx.LockSlot(ctx, appt.SlotID)
		switch {
		case storage.IsNotFound(err):
		case err != nil:
			return model.Appointment{}, err
		case slot.Status == model.SlotBooked:
			if err := tx.UpdateSlotBooking(ctx, slot.ID, model.SlotAvailable, ""); err != nil {
				return model.Appointment{}, fmt.Errorf("release slot: %w", err)
			}
		}
	}

	evt, err := outbox.NewEvent("appointment", appt.ID, outbox.AppointmentCancelled, appointmentPayload(appt))
	if err != nil {
		return model.Appointment{}, err
	}
	if err := tx.EnqueueEvent(ctx, evt); err != nil {
		return model.Appointment{}, fmt.Errorf("enqueue event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}
	c.logger.Info("appointment cancelled", "appointment_id", appt.ID, "slot_id", appt.SlotID, "actor_id", actorID)
	return appt, nil
}

// Transition moves an appointment along the state machine. Cancelling goes through
// CancelAppointment so the slot is released.
func (c *Coordinator) Transition(ctx context.Context, appointmentID, actorID string, target model.AppointmentStatus) (appt model.Appointment, err error) {
	if !target.Valid() {
		return model.Appointment{}, fmt.Errorf("%w: unknown status %q", schederr.ErrInvalidArgument, target)
	}
	if target == model.AppointmentCancelled {
		return c.CancelAppointment(ctx, appointmentID, actorID, "")
	}

	ctx, span := c.tracer.Start(ctx, "booking.Transition", trace.WithAttributes(
		attribute.String("appointment.id", appointmentID),
		attribute.String("appointment.target_status", string(target)),
	))
	defer func() { endSpan(span, err) }()

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err = tx.LockAppointment(ctx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}
	if !appt.Status.CanTransition(target) {
		return model.Appointment{}, fmt.Errorf("%w: %s -> %s", schederr.ErrInvalidTransition, appt.Status, target)
	}
	from := appt.Status
	appt.Status = target
	if err := tx.UpdateAppointment(ctx, &appt); err != nil {
		return model.Appointment{}, fmt.Errorf("update appointment: %w", err)
	}

	payload := appointmentPayload(appt)
	payload["previous_status"] = string(from)
	payload["actor_id"] = actorID
	evt, err := outbox.NewEvent("appointment", appt.ID, outbox.AppointmentStatusChanged, payload)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := tx.EnqueueEvent(ctx, evt); err != nil {
		return model.Appointment{}, fmt.Errorf("enqueue event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}
	return appt, nil
}

// ScheduleAppointment books time directly, without a slot. Busy time is checked the same way
// BookSlot checks it and the store's exclusion constraint settles races.
func (c *Coordinator) ScheduleAppointment(ctx context.Context, req DirectRequest) (appt model.Appointment, err error) {
	iv := model.Interval{Start: req.Start, End: req.End}
	if req.ProfessionalID == "" || req.ClientID == "" {
		return model.Appointment{}, fmt.Errorf("%w: professional id and client id are required", schederr.ErrInvalidArgument)
	}
	if !iv.Valid() {
		return model.Appointment{}, fmt.Errorf("%w: end must be after start", schederr.ErrInvalidArgument)
	}

	ctx, span := c.tracer.Start(ctx, "booking.ScheduleAppointment", trace.WithAttributes(
		attribute.String("professional.id", req.ProfessionalID),
	))
	defer func() { endSpan(span, err) }()

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := conflict.NewDetector(tx).HasConflict(ctx, iv, req.ProfessionalID)
	if err != nil {
		return model.Appointment{}, err
	}
	if res.Conflict() {
		return model.Appointment{}, &conflict.Error{Result: res}
	}

	tzID := req.Timezone
	if tzID == "" {
		tzID = "UTC"
	}
	appt = model.Appointment{
		ProfessionalID: req.ProfessionalID,
		ClientID:       req.ClientID,
		Start:          req.Start.UTC(),
		End:            req.End.UTC(),
		Timezone:       tzID,
		Status:         model.AppointmentScheduled,
		Notes:          req.Notes,
		Metadata:       req.Metadata,
	}
	if err := c.createAppointment(ctx, tx, &appt); err != nil {
		return model.Appointment{}, err
	}
	evt, err := outbox.NewEvent("appointment", appt.ID, outbox.AppointmentScheduled, appointmentPayload(appt))
	if err != nil {
		return model.Appointment{}, err
	}
	if err := tx.EnqueueEvent(ctx, evt); err != nil {
		return model.Appointment{}, fmt.Errorf("enqueue event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Appointment{}, err
	}
	return appt, nil
}

// WithdrawSlot takes an unbooked slot off sale. Withdrawing twice is a no-op.
func (c *Coordinator) WithdrawSlot(ctx context.Context, slotID, actorID string) (model.Slot, error) {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return model.Slot{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	slot, err := tx.LockSlot(ctx, slotID)
	if err != nil {
		return model.Slot{}, err
	}
	switch slot.Status {
	case model.SlotCancelled:
		return slot, tx.Commit(ctx)
	case model.SlotAvailable:
	default:
		return model.Slot{}, fmt.Errorf("%w: cannot withdraw a %s slot", schederr.ErrInvalidTransition, slot.Status)
	}

	if err := tx.UpdateSlotBooking(ctx, slot.ID, model.SlotCancelled, ""); err != nil {
		return model.Slot{}, err
	}
	slot.Status = model.SlotCancelled
	evt, err := outbox.NewEvent("slot", slot.ID, outbox.SlotWithdrawn, map[string]any{
		"slot_id":         slot.ID,
		"professional_id": slot.ProfessionalID,
		"start_time":      slot.Start.Format(time.RFC3339),
		"actor_id":        actorID,
	})
	if err != nil {
		return model.Slot{}, err
	}
	if err := tx.EnqueueEvent(ctx, evt); err != nil {
		return model.Slot{}, err
	}
	return slot, tx.Commit(ctx)
}

func (c *Coordinator) createAppointment(ctx context.Context, tx storage.Tx, appt *model.Appointment) error {
	err := tx.CreateAppointment(ctx, appt)
	if err == nil {
		return nil
	}
	if storage.IsExclusionViolation(err) {
		// The transaction may be aborted, so the competing rows cannot be read back here.
		c.logger.Info("appointment rejected by exclusion constraint", "professional_id", appt.ProfessionalID)
		return &conflict.Error{}
	}
	if errors.Is(err, schederr.ErrSlotUnavailable) {
		return err
	}
	return fmt.Errorf("create appointment: %w", err)
}

func appointmentPayload(a model.Appointment) map[string]any {
	p := map[string]any{
		"appointment_id":  a.ID,
		"professional_id": a.ProfessionalID,
		"client_id":       a.ClientID,
		"start_time":      a.Start.UTC().Format(time.RFC3339),
		"end_time":        a.End.UTC().Format(time.RFC3339),
		"timezone":        a.Timezone,
		"status":          string(a.Status),
	}
	if a.SlotID != "" {
		p["slot_id"] = a.SlotID
	}
	if a.CancelledAt != nil {
		p["cancelled_at"] = a.CancelledAt.UTC().Format(time.RFC3339)
		p["cancelled_by"] = a.CancelledBy
		p["cancel_reason"] = a.CancelReason
	}
	return p
}

// endSpan records err unless it is an expected rejection.
func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, schederr.ErrSlotUnavailable) && !errors.Is(err, schederr.ErrValidationFailed) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
