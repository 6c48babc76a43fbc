package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/outbox"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/schederr"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/storage"
)

var base = time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)

func seedSlot(t *testing.T, s *Store, configID string, start time.Time) model.Slot {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	slots := []model.Slot{{
		ConfigID:       configID,
		ProfessionalID: "pro-1",
		Start:          start,
		End:            start.Add(time.Hour),
		Timezone:       "UTC",
		Status:         model.SlotAvailable,
	}}
	if _, err := tx.InsertSlots(ctx, slots); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return slots[0]
}

func TestLockSlotWaitsAndHonoursContext(t *testing.T) {
	s := New()
	slot := seedSlot(t, s, "cfg-1", base)
	ctx := context.Background()

	holder, _ := s.Begin(ctx)
	if _, err := holder.LockSlot(ctx, slot.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}

	waiter, _ := s.Begin(ctx)
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := waiter.LockSlot(shortCtx, slot.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while lock is held, got %v", err)
	}
	_ = waiter.Rollback(ctx)

	acquired := make(chan error, 1)
	go func() {
		next, _ := s.Begin(ctx)
		_, err := next.LockSlot(ctx, slot.ID)
		acquired <- err
		_ = next.Rollback(ctx)
	}()
	select {
	case <-acquired:
		t.Fatalf("lock acquired while still held")
	case <-time.After(20 * time.Millisecond):
	}
	if err := holder.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("lock after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("lock not released on commit")
	}
}

func TestRollbackUndoesWrites(t *testing.T) {
	s := New()
	slot := seedSlot(t, s, "cfg-1", base)
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	if err := tx.UpdateSlotBooking(ctx, slot.ID, model.SlotBooked, "client-1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	appt := &model.Appointment{ProfessionalID: "pro-1", ClientID: "client-1", SlotID: slot.ID,
		Start: slot.Start, End: slot.End, Status: model.AppointmentScheduled}
	if err := tx.CreateAppointment(ctx, appt); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tx.EnqueueEvent(ctx, outbox.Event{AggregateType: "slot", AggregateID: slot.ID, EventType: outbox.SlotBooked}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	got, _ := s.GetSlot(ctx, slot.ID)
	if got.Status != model.SlotAvailable || got.BookedBy != "" {
		t.Fatalf("expected slot restored, got %s/%q", got.Status, got.BookedBy)
	}
	if _, err := s.GetAppointment(ctx, appt.ID); !errors.Is(err, schederr.ErrNotFound) {
		t.Fatalf("expected appointment removed, got %v", err)
	}
	if len(s.Events()) != 0 {
		t.Fatalf("expected no events after rollback")
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("second rollback must be a no-op, got %v", err)
	}
}

func TestInsertSlotsSkipsExistingStart(t *testing.T) {
	s := New()
	seedSlot(t, s, "cfg-1", base)
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	n, err := tx.InsertSlots(ctx, []model.Slot{
		{ConfigID: "cfg-1", ProfessionalID: "pro-1", Start: base, End: base.Add(time.Hour)},
		{ConfigID: "cfg-1", ProfessionalID: "pro-1", Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = tx.Commit(ctx)
	if n != 1 {
		t.Fatalf("expected 1 new slot, got %d", n)
	}
	all, _ := s.ListSlots(ctx, storage.SlotQuery{ConfigID: "cfg-1"})
	if len(all) != 2 || !all[0].Start.Equal(base) {
		t.Fatalf("unexpected slots %+v", all)
	}
}

func TestDeleteAvailableSlotsKeepsBooked(t *testing.T) {
	s := New()
	first := seedSlot(t, s, "cfg-1", base)
	seedSlot(t, s, "cfg-1", base.Add(time.Hour))
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	_ = tx.UpdateSlotBooking(ctx, first.ID, model.SlotBooked, "client-1")
	_ = tx.Commit(ctx)

	tx, _ = s.Begin(ctx)
	n, err := tx.DeleteAvailableSlots(ctx, "cfg-1", model.Interval{Start: base, End: base.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	_ = tx.Commit(ctx)
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if _, err := s.GetSlot(ctx, first.ID); err != nil {
		t.Fatalf("booked slot must survive: %v", err)
	}
}

func TestDeleteAvailableSlotsWaitsForRowLock(t *testing.T) {
	s := New()
	held := seedSlot(t, s, "cfg-1", base)
	seedSlot(t, s, "cfg-1", base.Add(time.Hour))
	ctx := context.Background()

	booker, _ := s.Begin(ctx)
	if _, err := booker.LockSlot(ctx, held.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}

	type outcome struct {
		n   int
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		regen, _ := s.Begin(ctx)
		n, err := regen.DeleteAvailableSlots(ctx, "cfg-1", model.Interval{Start: base, End: base.Add(24 * time.Hour)})
		if err == nil {
			err = regen.Commit(ctx)
		}
		done <- outcome{n, err}
	}()
	select {
	case <-done:
		t.Fatalf("delete finished while the slot lock was held")
	case <-time.After(30 * time.Millisecond):
	}

	if err := booker.UpdateSlotBooking(ctx, held.ID, model.SlotBooked, "client-1"); err != nil {
		t.Fatalf("book under lock: %v", err)
	}
	if err := booker.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	select {
	case got := <-done:
		if got.err != nil || got.n != 1 {
			t.Fatalf("expected 1 removed after the booking, got %d %v", got.n, got.err)
		}
	case <-time.After(time.Second):
		t.Fatalf("delete never acquired the lock")
	}
	slot, err := s.GetSlot(ctx, held.ID)
	if err != nil || slot.Status != model.SlotBooked {
		t.Fatalf("booked slot must survive the delete: %+v %v", slot, err)
	}
}

func TestDeleteAvailableSlotsHonoursContext(t *testing.T) {
	s := New()
	held := seedSlot(t, s, "cfg-1", base)
	ctx := context.Background()

	booker, _ := s.Begin(ctx)
	if _, err := booker.LockSlot(ctx, held.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer func() { _ = booker.Rollback(ctx) }()

	regen, _ := s.Begin(ctx)
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := regen.DeleteAvailableSlots(shortCtx, "cfg-1", model.Interval{Start: base, End: base.Add(time.Hour)}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	_ = regen.Rollback(ctx)
	if _, err := s.GetSlot(ctx, held.ID); err != nil {
		t.Fatalf("slot must still exist: %v", err)
	}
}

func TestCreateAppointmentExclusion(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	defer func() { _ = tx.Rollback(ctx) }()

	first := &model.Appointment{ProfessionalID: "pro-1", ClientID: "a", Start: base, End: base.Add(time.Hour), Status: model.AppointmentScheduled}
	if err := tx.CreateAppointment(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	touching := &model.Appointment{ProfessionalID: "pro-1", ClientID: "b", Start: base.Add(time.Hour), End: base.Add(2 * time.Hour), Status: model.AppointmentScheduled}
	if err := tx.CreateAppointment(ctx, touching); err != nil {
		t.Fatalf("touching intervals must not conflict: %v", err)
	}
	overlapping := &model.Appointment{ProfessionalID: "pro-1", ClientID: "c", Start: base.Add(30 * time.Minute), End: base.Add(90 * time.Minute), Status: model.AppointmentScheduled}
	if err := tx.CreateAppointment(ctx, overlapping); !storage.IsExclusionViolation(err) {
		t.Fatalf("expected exclusion violation, got %v", err)
	}
	other := &model.Appointment{ProfessionalID: "pro-2", ClientID: "c", Start: base, End: base.Add(time.Hour), Status: model.AppointmentScheduled}
	if err := tx.CreateAppointment(ctx, other); err != nil {
		t.Fatalf("other professional must not conflict: %v", err)
	}
}

func TestIdempotencyKeyLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	_, exists, err := tx.LockIdempotencyKey(ctx, "client-1", "k1")
	if err != nil || exists {
		t.Fatalf("first use: exists=%v err=%v", exists, err)
	}
	if err := tx.FinalizeIdempotency(ctx, "client-1", "k1", "appt-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	_ = tx.Commit(ctx)

	tx, _ = s.Begin(ctx)
	defer func() { _ = tx.Rollback(ctx) }()
	rec, exists, err := tx.LockIdempotencyKey(ctx, "client-1", "k1")
	if err != nil || !exists || rec.AppointmentID != "appt-1" {
		t.Fatalf("replay: rec=%+v exists=%v err=%v", rec, exists, err)
	}
}

func TestUpsertBlockedPeriodByExternalID(t *testing.T) {
	s := New()
	ctx := context.Background()
	bp := &model.BlockedPeriod{ProfessionalID: "pro-1", Start: base, End: base.Add(time.Hour), Active: true, Source: model.BlockImport, ExternalID: "evt-1"}
	if err := s.UpsertBlockedPeriod(ctx, bp); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	again := &model.BlockedPeriod{ProfessionalID: "pro-1", Start: base, End: base.Add(2 * time.Hour), Active: true, Source: model.BlockImport, ExternalID: "evt-1"}
	if err := s.UpsertBlockedPeriod(ctx, again); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if again.ID != bp.ID {
		t.Fatalf("expected same row, got %s and %s", bp.ID, again.ID)
	}
	got, _ := s.ListActiveBlockedPeriods(ctx, "pro-1", model.Interval{Start: base, End: base.Add(3 * time.Hour)})
	if len(got) != 1 || !got[0].End.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("unexpected blocked periods %+v", got)
	}
}

func TestDrainOutboxMarksPublished(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	for i := 0; i < 3; i++ {
		_ = tx.EnqueueEvent(ctx, outbox.Event{AggregateType: "slot", AggregateID: "s", EventType: outbox.SlotBooked})
	}
	_ = tx.Commit(ctx)

	send := func(context.Context, []outbox.Record) error { return nil }
	if n, _ := s.DrainOutbox(ctx, 2, send); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if n, _ := s.DrainOutbox(ctx, 2, send); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	if n, _ := s.DrainOutbox(ctx, 2, send); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}
