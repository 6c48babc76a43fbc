package memstore

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/conflict"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/outbox"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/schederr"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/storage"
)

type tx struct {
	store *Store
	held  map[string]chan struct{}
	undo  []func()
	done  bool
}

// lock blocks until the row lock is free or ctx ends. Re-locking a held row is a no-op.
func (t *tx) lock(ctx context.Context, key string) error {
	if t.done {
		return ErrTxDone
	}
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch := t.store.lockFor(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if t.held == nil {
		t.held = map[string]chan struct{}{}
	}
	t.held[key] = ch
	return nil
}

func (t *tx) release() {
	for _, ch := range t.held {
		<-ch
	}
	t.held = nil
	t.done = true
}

func (t *tx) Commit(context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.undo = nil
	t.release()
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.store.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.store.mu.Unlock()
	t.undo = nil
	t.release()
	return nil
}

// write runs fn under the store mutex; fn returns the step that reverses it.
func (t *tx) write(fn func(s *Store) (func(), error)) error {
	if t.done {
		return ErrTxDone
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	undo, err := fn(t.store)
	if err != nil {
		return err
	}
	if undo != nil {
		t.undo = append(t.undo, undo)
	}
	return nil
}

func (t *tx) LockSlot(ctx context.Context, id string) (model.Slot, error) {
	if err := t.lock(ctx, "slot:"+id); err != nil {
		return model.Slot{}, err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	slot, ok := t.store.slots[id]
	if !ok {
		return model.Slot{}, notFound("slot", id)
	}
	return slot, nil
}

func (t *tx) UpdateSlotBooking(_ context.Context, id string, status model.SlotStatus, bookedBy string) error {
	return t.write(func(s *Store) (func(), error) {
		prev, ok := s.slots[id]
		if !ok {
			return nil, notFound("slot", id)
		}
		if status == model.SlotBooked && bookedBy == "" {
			return nil, fmt.Errorf("%w: booked slot needs booked_by", schederr.ErrInvalidArgument)
		}
		next := prev
		next.Status = status
		next.BookedBy = bookedBy
		next.UpdatedAt = s.now()
		s.slots[id] = next
		return func() { s.slots[id] = prev }, nil
	})
}

func (t *tx) ListSlots(_ context.Context, q storage.SlotQuery) ([]model.Slot, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.listSlots(q), nil
}

// DeleteAvailableSlots locks every matching row before deleting it and re-checks the status
// once the lock is held, so a slot booked by a concurrent holder survives.
func (t *tx) DeleteAvailableSlots(ctx context.Context, configID string, span model.Interval) (int, error) {
	if t.done {
		return 0, ErrTxDone
	}
	t.store.mu.Lock()
	var ids []string
	for id, slot := range t.store.slots {
		if deletable(slot, configID, span) {
			ids = append(ids, id)
		}
	}
	t.store.mu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		if err := t.lock(ctx, "slot:"+id); err != nil {
			return 0, err
		}
	}

	removed := 0
	err := t.write(func(s *Store) (func(), error) {
		var gone []model.Slot
		for _, id := range ids {
			slot, ok := s.slots[id]
			if !ok || !deletable(slot, configID, span) {
				continue
			}
			gone = append(gone, slot)
			delete(s.slots, id)
			delete(s.slotIndex, slotKey{configID: slot.ConfigID, start: slot.Start.UnixNano()})
		}
		removed = len(gone)
		return func() {
			for _, slot := range gone {
				s.slots[slot.ID] = slot
				s.slotIndex[slotKey{configID: slot.ConfigID, start: slot.Start.UnixNano()}] = slot.ID
			}
		}, nil
	})
	return removed, err
}

func deletable(slot model.Slot, configID string, span model.Interval) bool {
	return slot.ConfigID == configID &&
		slot.Status == model.SlotAvailable &&
		!slot.Start.Before(span.Start) &&
		slot.Start.Before(span.End)
}

func (t *tx) InsertSlots(_ context.Context, slots []model.Slot) (int, error) {
	inserted := 0
	err := t.write(func(s *Store) (func(), error) {
		var added []string
		now := s.now()
		for i := range slots {
			slot := &slots[i]
			if !slot.End.After(slot.Start) {
				return nil, fmt.Errorf("%w: slot end must follow start", schederr.ErrInvalidArgument)
			}
			key := slotKey{configID: slot.ConfigID, start: slot.Start.UnixNano()}
			if slot.ConfigID != "" {
				if _, exists := s.slotIndex[key]; exists {
					continue
				}
			}
			if slot.ID == "" {
				slot.ID = uuid.NewString()
			}
			if slot.Status == "" {
				slot.Status = model.SlotAvailable
			}
			slot.CreatedAt, slot.UpdatedAt = now, now
			s.slots[slot.ID] = *slot
			if slot.ConfigID != "" {
				s.slotIndex[key] = slot.ID
			}
			added = append(added, slot.ID)
		}
		inserted = len(added)
		return func() {
			for _, id := range added {
				slot := s.slots[id]
				delete(s.slotIndex, slotKey{configID: slot.ConfigID, start: slot.Start.UnixNano()})
				delete(s.slots, id)
			}
		}, nil
	})
	return inserted, err
}

func (t *tx) CreateAppointment(_ context.Context, appt *model.Appointment) error {
	return t.write(func(s *Store) (func(), error) {
		if !appt.End.After(appt.Start) {
			return nil, fmt.Errorf("%w: appointment end must follow start", schederr.ErrInvalidArgument)
		}
		if appt.Status.Blocking() {
			if len(s.blockingAppointments(appt.ProfessionalID, appt.Interval())) > 0 {
				return nil, fmt.Errorf("insert appointment: %w", storage.ErrExclusion)
			}
			if appt.SlotID != "" {
				for _, other := range s.appointments {
					if other.SlotID == appt.SlotID && other.Status.Blocking() {
						return nil, fmt.Errorf("%w: slot %s already has an active appointment", schederr.ErrSlotUnavailable, appt.SlotID)
					}
				}
			}
		}
		if appt.ID == "" {
			appt.ID = uuid.NewString()
		}
		now := s.now()
		appt.CreatedAt, appt.UpdatedAt = now, now
		s.appointments[appt.ID] = *appt
		id := appt.ID
		return func() { delete(s.appointments, id) }, nil
	})
}

func (t *tx) LockAppointment(ctx context.Context, id string) (model.Appointment, error) {
	if err := t.lock(ctx, "appointment:"+id); err != nil {
		return model.Appointment{}, err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	appt, ok := t.store.appointments[id]
	if !ok {
		return model.Appointment{}, notFound("appointment", id)
	}
	return appt, nil
}

func (t *tx) UpdateAppointment(_ context.Context, appt *model.Appointment) error {
	return t.write(func(s *Store) (func(), error) {
		prev, ok := s.appointments[appt.ID]
		if !ok {
			return nil, notFound("appointment", appt.ID)
		}
		appt.UpdatedAt = s.now()
		s.appointments[appt.ID] = *appt
		return func() { s.appointments[prev.ID] = prev }, nil
	})
}

func (t *tx) LockIdempotencyKey(ctx context.Context, scope, key string) (storage.IdempotencyRecord, bool, error) {
	id := scope + "\x00" + key
	if err := t.lock(ctx, "idempotency:"+id); err != nil {
		return storage.IdempotencyRecord{}, false, err
	}
	var (
		rec    storage.IdempotencyRecord
		exists bool
	)
	err := t.write(func(s *Store) (func(), error) {
		existing, ok := s.idempotency[id]
		if ok {
			rec, exists = existing, existing.AppointmentID != ""
			return nil, nil
		}
		rec = storage.IdempotencyRecord{Scope: scope, Key: key}
		s.idempotency[id] = rec
		return func() { delete(s.idempotency, id) }, nil
	})
	return rec, exists, err
}

func (t *tx) FinalizeIdempotency(_ context.Context, scope, key, appointmentID string) error {
	id := scope + "\x00" + key
	return t.write(func(s *Store) (func(), error) {
		prev := s.idempotency[id]
		s.idempotency[id] = storage.IdempotencyRecord{Scope: scope, Key: key, AppointmentID: appointmentID}
		return func() { s.idempotency[id] = prev }, nil
	})
}

func (t *tx) EnqueueEvent(_ context.Context, evt outbox.Event) error {
	return t.write(func(s *Store) (func(), error) {
		s.nextEventID++
		rowID := s.nextEventID
		s.events = append(s.events, outboxRow{record: outbox.Record{
			ID:            rowID,
			EventID:       uuid.NewString(),
			AggregateType: evt.AggregateType,
			AggregateID:   evt.AggregateID,
			EventType:     evt.EventType,
			Payload:       evt.Payload,
			CreatedAt:     s.now(),
		}})
		return func() {
			for i, e := range s.events {
				if e.record.ID == rowID {
					s.events = append(s.events[:i], s.events[i+1:]...)
					return
				}
			}
		}, nil
	})
}

func (t *tx) ListBlockingAppointments(_ context.Context, professionalID string, span model.Interval) ([]model.Appointment, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.blockingAppointments(professionalID, span), nil
}

func (t *tx) ListActiveBlockedPeriods(_ context.Context, professionalID string, span model.Interval) ([]model.BlockedPeriod, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.activeBlocked(professionalID, span), nil
}

var _ conflict.BusyReader = (*tx)(nil)
