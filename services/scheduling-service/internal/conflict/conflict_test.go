package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/schederr"
)

type stubReader struct {
	appts   []model.Appointment
	blocked []model.BlockedPeriod
	calls   int
}

func (s *stubReader) ListBlockingAppointments(_ context.Context, _ string, _ model.Interval) ([]model.Appointment, error) {
	s.calls++
	return s.appts, nil
}

func (s *stubReader) ListActiveBlockedPeriods(_ context.Context, _ string, _ model.Interval) ([]model.BlockedPeriod, error) {
	return s.blocked, nil
}

func at(h, m int) time.Time {
	return time.Date(2025, 3, 3, h, m, 0, 0, time.UTC)
}

func TestOverlaps(t *testing.T) {
	base := model.Interval{Start: at(9, 0), End: at(10, 0)}
	cases := []struct {
		name  string
		other model.Interval
		want  bool
	}{
		{"identical", base, true},
		{"inside", model.Interval{Start: at(9, 15), End: at(9, 45)}, true},
		{"straddles start", model.Interval{Start: at(8, 30), End: at(9, 30)}, true},
		{"straddles end", model.Interval{Start: at(9, 30), End: at(10, 30)}, true},
		{"touches end", model.Interval{Start: at(10, 0), End: at(11, 0)}, false},
		{"touches start", model.Interval{Start: at(8, 0), End: at(9, 0)}, false},
		{"disjoint", model.Interval{Start: at(12, 0), End: at(13, 0)}, false},
	}
	for _, tc := range cases {
		if got := Overlaps(base, tc.other); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
		if got := Overlaps(tc.other, base); got != tc.want {
			t.Fatalf("%s (swapped): expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestHasConflict(t *testing.T) {
	reader := &stubReader{
		appts: []model.Appointment{
			{ID: "a-live", Start: at(9, 0), End: at(10, 0), Status: model.AppointmentConfirmed},
			{ID: "a-cancelled", Start: at(11, 0), End: at(12, 0), Status: model.AppointmentCancelled},
		},
		blocked: []model.BlockedPeriod{
			{ID: "b-lunch", Start: at(12, 0), End: at(13, 0), Active: true},
			{ID: "b-off", Start: at(14, 0), End: at(15, 0), Active: false},
		},
	}
	d := NewDetector(reader)
	ctx := context.Background()

	res, err := d.HasConflict(ctx, model.Interval{Start: at(9, 30), End: at(10, 30)}, "pro-1")
	if err != nil {
		t.Fatalf("has conflict: %v", err)
	}
	if !res.Conflict() || len(res.Appointments) != 1 || res.Appointments[0].ID != "a-live" {
		t.Fatalf("expected conflict with a-live, got %+v", res)
	}

	res, _ = d.HasConflict(ctx, model.Interval{Start: at(11, 0), End: at(12, 0)}, "pro-1")
	if res.Conflict() {
		t.Fatalf("cancelled appointment must not conflict, got %+v", res)
	}

	res, _ = d.HasConflict(ctx, model.Interval{Start: at(12, 30), End: at(13, 30)}, "pro-1")
	if len(res.BlockedPeriods) != 1 || res.BlockedPeriods[0].ID != "b-lunch" {
		t.Fatalf("expected lunch block, got %+v", res)
	}

	res, _ = d.HasConflict(ctx, model.Interval{Start: at(14, 0), End: at(15, 0)}, "pro-1")
	if res.Conflict() {
		t.Fatalf("inactive block must not conflict")
	}
}

func TestErrorUnwrapsToValidationFailed(t *testing.T) {
	var err error = &Error{Result: Result{Appointments: []model.Appointment{{ID: "a"}}}}
	if !errors.Is(err, schederr.ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed")
	}
	var cerr *Error
	if !errors.As(err, &cerr) || len(cerr.Result.Appointments) != 1 {
		t.Fatalf("expected conflicting entities to be carried")
	}
}
