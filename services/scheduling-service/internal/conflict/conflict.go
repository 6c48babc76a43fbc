// Package conflict decides whether a professional is busy over an interval. The rule
// filter and the booking coordinator both go through Snapshot.Check so that generation
// and booking cannot disagree.
package conflict

import (
	"context"
	"fmt"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/schederr"
)

// BusyReader returns rows whose interval intersects span. Implementations may return a
// superset; Snapshot re-applies Overlaps.
type BusyReader interface {
	ListBlockingAppointments(ctx context.Context, professionalID string, span model.Interval) ([]model.Appointment, error)
	ListActiveBlockedPeriods(ctx context.Context, professionalID string, span model.Interval) ([]model.BlockedPeriod, error)
}

// Overlaps reports whether half-open intervals a and b intersect. Touching endpoints do not.
func Overlaps(a, b model.Interval) bool {
	return a.Start.Before(b.End) && a.End.After(b.Start)
}

type Result struct {
	Appointments   []model.Appointment
	BlockedPeriods []model.BlockedPeriod
}

func (r Result) Conflict() bool {
	return len(r.Appointments) > 0 || len(r.BlockedPeriods) > 0
}

// Error carries the conflicting entities and unwraps to ErrValidationFailed.
type Error struct {
	Result Result
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %d conflicting appointment(s), %d blocked period(s)",
		schederr.ErrValidationFailed, len(e.Result.Appointments), len(e.Result.BlockedPeriods))
}

func (e *Error) Unwrap() error { return schederr.ErrValidationFailed }

type Detector struct {
	reader BusyReader
}

func NewDetector(reader BusyReader) *Detector {
	return &Detector{reader: reader}
}

// Snapshot loads everything that can block professionalID inside span in one round trip.
func (d *Detector) Snapshot(ctx context.Context, professionalID string, span model.Interval) (*Snapshot, error) {
	appts, err := d.reader.ListBlockingAppointments(ctx, professionalID, span)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	blocked, err := d.reader.ListActiveBlockedPeriods(ctx, professionalID, span)
	if err != nil {
		return nil, fmt.Errorf("list blocked periods: %w", err)
	}
	return &Snapshot{span: span, appointments: appts, blocked: blocked}, nil
}

func (d *Detector) HasConflict(ctx context.Context, iv model.Interval, professionalID string) (Result, error) {
	snap, err := d.Snapshot(ctx, professionalID, iv)
	if err != nil {
		return Result{}, err
	}
	return snap.Check(iv), nil
}

// Snapshot is a point-in-time view of busy time. Checks outside its span are incomplete.
type Snapshot struct {
	span         model.Interval
	appointments []model.Appointment
	blocked      []model.BlockedPeriod
}

func (s *Snapshot) Check(iv model.Interval) Result {
	return Result{
		Appointments:   s.AppointmentsOverlapping(iv),
		BlockedPeriods: s.BlockedOverlapping(iv),
	}
}

func (s *Snapshot) AppointmentsOverlapping(iv model.Interval) []model.Appointment {
	var out []model.Appointment
	for _, a := range s.appointments {
		if a.Status.Blocking() && Overlaps(iv, a.Interval()) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Snapshot) BlockedOverlapping(iv model.Interval) []model.BlockedPeriod {
	var out []model.BlockedPeriod
	for _, b := range s.blocked {
		if b.Active && Overlaps(iv, b.Interval()) {
			out = append(out, b)
		}
	}
	return out
}
