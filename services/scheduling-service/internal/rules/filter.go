// Package rules drops candidate slots that a professional's booking rules forbid.
package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/conflict"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/storage"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/tz"
)

// SlotReader lists slots already published for a professional.
type SlotReader interface {
	ListSlots(ctx context.Context, q storage.SlotQuery) ([]model.Slot, error)
}

// longestSlot bounds how far before a span an overlapping slot can start. Slots tile a
// single local day, so none is longer than the longest day.
const longestSlot = 26 * time.Hour

type Filter struct {
	detector *conflict.Detector
	slots    SlotReader
	now      func() time.Time
}

func NewFilter(detector *conflict.Detector, now func() time.Time) *Filter {
	if now == nil {
		now = time.Now
	}
	return &Filter{detector: detector, now: now}
}

// WithSlots makes Apply also drop candidates that would overlap, buffer included, a
// non-cancelled slot the professional already has from any config.
func (f *Filter) WithSlots(r SlotReader) *Filter {
	out := *f
	out.slots = r
	return &out
}

// Apply runs the advance window, blocked periods, existing appointments, existing slots
// and the daily cap, in that order. Dropped candidates are not reported.
func (f *Filter) Apply(ctx context.Context, cfg model.AvailabilityConfig, candidates []model.Candidate) ([]model.Candidate, error) {
	kept := f.withinAdvanceWindow(cfg.Rules, candidates)
	if len(kept) == 0 {
		return nil, nil
	}

	snap, err := f.detector.Snapshot(ctx, cfg.ProfessionalID, span(kept))
	if err != nil {
		return nil, err
	}
	kept = keep(kept, func(c model.Candidate) bool {
		return len(snap.BlockedOverlapping(c.Interval())) == 0
	})
	kept = keep(kept, func(c model.Candidate) bool {
		return len(snap.AppointmentsOverlapping(c.Interval())) == 0
	})
	if f.slots != nil && len(kept) > 0 {
		if kept, err = f.withoutPublished(ctx, cfg, kept); err != nil {
			return nil, err
		}
	}

	return capPerDay(kept, cfg.Rules.MaxSlotsPerDay), nil
}

func (f *Filter) withoutPublished(ctx context.Context, cfg model.AvailabilityConfig, candidates []model.Candidate) ([]model.Candidate, error) {
	buffer := cfg.Rules.BufferTime
	within := span(candidates)
	published, err := f.slots.ListSlots(ctx, storage.SlotQuery{
		ProfessionalID: cfg.ProfessionalID,
		From:           within.Start.Add(-longestSlot - buffer),
		To:             within.End.Add(buffer),
	})
	if err != nil {
		return nil, fmt.Errorf("list published slots: %w", err)
	}
	return keep(candidates, func(c model.Candidate) bool {
		padded := model.Interval{Start: c.Start.Add(-buffer), End: c.End.Add(buffer)}
		for _, s := range published {
			if s.Status != model.SlotCancelled && conflict.Overlaps(padded, s.Interval()) {
				return false
			}
		}
		return true
	}), nil
}

func (f *Filter) withinAdvanceWindow(r model.BusinessRules, candidates []model.Candidate) []model.Candidate {
	now := f.now()
	earliest := now.Add(r.MinAdvance)
	return keep(candidates, func(c model.Candidate) bool {
		if c.Start.Before(earliest) {
			return false
		}
		return r.MaxAdvance == 0 || !c.Start.After(now.Add(r.MaxAdvance))
	})
}

// capPerDay keeps the earliest limit candidates of each local day. A limit of zero is unlimited.
func capPerDay(candidates []model.Candidate, limit int) []model.Candidate {
	if limit <= 0 {
		return candidates
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Start.Before(candidates[j].Start)
	})
	perDay := make(map[tz.Date]int)
	return keep(candidates, func(c model.Candidate) bool {
		perDay[c.Day]++
		return perDay[c.Day] <= limit
	})
}

func span(candidates []model.Candidate) model.Interval {
	out := candidates[0].Interval()
	for _, c := range candidates[1:] {
		if c.Start.Before(out.Start) {
			out.Start = c.Start
		}
		if c.End.After(out.End) {
			out.End = c.End
		}
	}
	return out
}

func keep(in []model.Candidate, pred func(model.Candidate) bool) []model.Candidate {
	out := in[:0:0]
	for _, c := range in {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}
