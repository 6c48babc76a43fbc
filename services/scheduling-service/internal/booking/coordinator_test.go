package booking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/conflict"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/outbox"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/schederr"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/storage"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/storage/memstore"
)

var slotStart = time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*Coordinator, *memstore.Store, model.Slot) {
	t.Helper()
	store := memstore.New()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	slots := []model.Slot{{
		ConfigID:       "cfg-1",
		ProfessionalID: "pro-1",
		Start:          slotStart,
		End:            slotStart.Add(time.Hour),
		Timezone:       "America/New_York",
		Status:         model.SlotAvailable,
	}}
	if _, err := tx.InsertSlots(ctx, slots); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(store, logger), store, slots[0]
}

func TestBookSlotConcurrentSingleWinner(t *testing.T) {
	coord, store, slot := newFixture(t)
	const racers = 10

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		wins        []model.Appointment
		unavailable int
		other       []error
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			appt, err := coord.BookSlot(context.Background(), BookingRequest{
				SlotID:      slot.ID,
				RequesterID: "client-" + string(rune('a'+i)),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins = append(wins, appt)
			case errors.Is(err, schederr.ErrSlotUnavailable):
				unavailable++
			default:
				other = append(other, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if len(wins) != 1 || unavailable != racers-1 {
		t.Fatalf("expected 1 winner and %d unavailable, got %d and %d", racers-1, len(wins), unavailable)
	}
	got, _ := store.GetSlot(context.Background(), slot.ID)
	if got.Status != model.SlotBooked || got.BookedBy != wins[0].ClientID {
		t.Fatalf("slot should be booked by the winner, got %s/%s", got.Status, got.BookedBy)
	}
	if wins[0].SlotID != slot.ID || wins[0].Status != model.AppointmentScheduled {
		t.Fatalf("unexpected appointment %+v", wins[0])
	}
	events := store.Events()
	if len(events) != 1 || events[0].EventType != outbox.SlotBooked {
		t.Fatalf("expected one booked event, got %+v", events)
	}
}

func TestCancelReleasesSlotForRebooking(t *testing.T) {
	coord, store, slot := newFixture(t)
	ctx := context.Background()

	appt, err := coord.BookSlot(ctx, BookingRequest{SlotID: slot.ID, RequesterID: "client-a"})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	cancelled, err := coord.CancelAppointment(ctx, appt.ID, "client-a", "conflict at work")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.AppointmentCancelled || cancelled.CancelledAt == nil || cancelled.CancelReason != "conflict at work" {
		t.Fatalf("unexpected cancelled appointment %+v", cancelled)
	}
	got, _ := store.GetSlot(ctx, slot.ID)
	if got.Status != model.SlotAvailable || got.BookedBy != "" {
		t.Fatalf("expected slot released, got %s/%q", got.Status, got.BookedBy)
	}

	again, err := coord.CancelAppointment(ctx, appt.ID, "client-a", "second time")
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if again.CancelReason != "conflict at work" {
		t.Fatalf("repeat cancel must return the appointment unchanged, got reason %q", again.CancelReason)
	}

	rebooked, err := coord.BookSlot(ctx, BookingRequest{SlotID: slot.ID, RequesterID: "client-b"})
	if err != nil {
		t.Fatalf("rebook: %v", err)
	}
	if rebooked.ClientID != "client-b" {
		t.Fatalf("unexpected rebooking %+v", rebooked)
	}
}

func TestBookSlotRejectsBlockedPeriod(t *testing.T) {
	coord, store, slot := newFixture(t)
	ctx := context.Background()
	if err := store.UpsertBlockedPeriod(ctx, &model.BlockedPeriod{
		ProfessionalID: "pro-1",
		Start:          slotStart.Add(30 * time.Minute),
		End:            slotStart.Add(2 * time.Hour),
		Reason:         "vacation",
		Active:         true,
	}); err != nil {
		t.Fatalf("block: %v", err)
	}

	_, err := coord.BookSlot(ctx, BookingRequest{SlotID: slot.ID, RequesterID: "client-a"})
	if !errors.Is(err, schederr.ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	var cerr *conflict.Error
	if !errors.As(err, &cerr) || len(cerr.Result.BlockedPeriods) != 1 {
		t.Fatalf("expected the blocked period in the error, got %v", err)
	}
	got, _ := store.GetSlot(ctx, slot.ID)
	if got.Status != model.SlotAvailable {
		t.Fatalf("rejected booking must leave the slot available, got %s", got.Status)
	}
}

func TestBookSlotRejectsDirectAppointmentOverlap(t *testing.T) {
	coord, _, slot := newFixture(t)
	ctx := context.Background()
	if _, err := coord.ScheduleAppointment(ctx, DirectRequest{
		ProfessionalID: "pro-1",
		ClientID:       "walk-in",
		Start:          slotStart.Add(-30 * time.Minute),
		End:            slotStart.Add(15 * time.Minute),
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	_, err := coord.BookSlot(ctx, BookingRequest{SlotID: slot.ID, RequesterID: "client-a"})
	if !errors.Is(err, schederr.ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestBookSlotIdempotentReplay(t *testing.T) {
	coord, store, slot := newFixture(t)
	ctx := context.Background()
	req := BookingRequest{SlotID: slot.ID, RequesterID: "client-a", IdempotencyKey: "req-1"}

	first, err := coord.BookSlot(ctx, req)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	second, err := coord.BookSlot(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned a different appointment: %s vs %s", second.ID, first.ID)
	}
	if n := len(store.Events()); n != 1 {
		t.Fatalf("replay must not enqueue another event, got %d", n)
	}

	_, err = coord.BookSlot(ctx, BookingRequest{SlotID: slot.ID, RequesterID: "client-a", IdempotencyKey: "req-2"})
	if !errors.Is(err, schederr.ErrSlotUnavailable) {
		t.Fatalf("a new key on a booked slot must be unavailable, got %v", err)
	}
}

func TestTransitions(t *testing.T) {
	coord, store, slot := newFixture(t)
	ctx := context.Background()
	appt, err := coord.BookSlot(ctx, BookingRequest{SlotID: slot.ID, RequesterID: "client-a"})
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	if _, err := coord.Transition(ctx, appt.ID, "pro-1", model.AppointmentCompleted); !errors.Is(err, schederr.ErrInvalidTransition) {
		t.Fatalf("scheduled -> completed must be rejected, got %v", err)
	}
	confirmed, err := coord.Transition(ctx, appt.ID, "pro-1", model.AppointmentConfirmed)
	if err != nil || confirmed.Status != model.AppointmentConfirmed {
		t.Fatalf("confirm: %v %s", err, confirmed.Status)
	}
	completed, err := coord.Transition(ctx, appt.ID, "pro-1", model.AppointmentCompleted)
	if err != nil || completed.Status != model.AppointmentCompleted {
		t.Fatalf("complete: %v %s", err, completed.Status)
	}
	if _, err := coord.CancelAppointment(ctx, appt.ID, "client-a", "late"); !errors.Is(err, schederr.ErrInvalidTransition) {
		t.Fatalf("completed appointment cannot be cancelled, got %v", err)
	}
	got, _ := store.GetSlot(ctx, slot.ID)
	if got.Status != model.SlotBooked {
		t.Fatalf("completed appointment keeps its slot booked, got %s", got.Status)
	}
	if _, err := coord.Transition(ctx, "missing", "pro-1", model.AppointmentConfirmed); !errors.Is(err, schederr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestScheduleAppointmentConflicts(t *testing.T) {
	coord, _, _ := newFixture(t)
	ctx := context.Background()
	req := DirectRequest{ProfessionalID: "pro-2", ClientID: "c1", Start: slotStart, End: slotStart.Add(time.Hour)}
	if _, err := coord.ScheduleAppointment(ctx, req); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	req.ClientID = "c2"
	req.Start = slotStart.Add(59 * time.Minute)
	req.End = slotStart.Add(2 * time.Hour)
	if _, err := coord.ScheduleAppointment(ctx, req); !errors.Is(err, schederr.ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	req.Start = slotStart.Add(time.Hour)
	if _, err := coord.ScheduleAppointment(ctx, req); err != nil {
		t.Fatalf("back-to-back appointment must succeed: %v", err)
	}
	req.End = req.Start
	if _, err := coord.ScheduleAppointment(ctx, req); !errors.Is(err, schederr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestWithdrawSlot(t *testing.T) {
	coord, store, slot := newFixture(t)
	ctx := context.Background()

	withdrawn, err := coord.WithdrawSlot(ctx, slot.ID, "admin")
	if err != nil || withdrawn.Status != model.SlotCancelled {
		t.Fatalf("withdraw: %v %s", err, withdrawn.Status)
	}
	if _, err := coord.WithdrawSlot(ctx, slot.ID, "admin"); err != nil {
		t.Fatalf("repeat withdraw: %v", err)
	}
	if _, err := coord.BookSlot(ctx, BookingRequest{SlotID: slot.ID, RequesterID: "client-a"}); !errors.Is(err, schederr.ErrSlotUnavailable) {
		t.Fatalf("withdrawn slot must be unavailable, got %v", err)
	}

	tx, _ := store.Begin(ctx)
	other := []model.Slot{{ConfigID: "cfg-1", ProfessionalID: "pro-1", Start: slotStart.Add(2 * time.Hour), End: slotStart.Add(3 * time.Hour), Status: model.SlotAvailable}}
	_, _ = tx.InsertSlots(ctx, other)
	_ = tx.Commit(ctx)
	if _, err := coord.BookSlot(ctx, BookingRequest{SlotID: other[0].ID, RequesterID: "client-a"}); err != nil {
		t.Fatalf("book: %v", err)
	}
	if _, err := coord.WithdrawSlot(ctx, other[0].ID, "admin"); !errors.Is(err, schederr.ErrInvalidTransition) {
		t.Fatalf("booked slot cannot be withdrawn, got %v", err)
	}
	if _, err := coord.WithdrawSlot(ctx, "missing", "admin"); !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
