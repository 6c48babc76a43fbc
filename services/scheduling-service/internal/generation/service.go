// Package generation turns availability configs into persisted slots.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/conflict"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/outbox"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/recurrence"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/rules"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/storage"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/tz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Service struct {
	store    storage.Store
	expander *recurrence.Expander
	zones    *tz.Resolver
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewService(store storage.Store, expander *recurrence.Expander, zones *tz.Resolver, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		expander: expander,
		zones:    zones,
		logger:   logger,
		tracer:   otel.Tracer("generation"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type Result struct {
	ConfigID   string
	Generated  int
	Removed    int
	Warnings   []tz.Warning
	Advisories []tz.Advisory
}

// GenerateSlots persists the config's slots for [rangeStart, rangeEnd). Without force, local
// days that already hold slots for the config are left alone, which makes repeated calls
// no-ops. With force, available slots in range are replaced; booked and withdrawn slots stay.
// An inactive config generates nothing.
func (s *Service) GenerateSlots(ctx context.Context, configID string, rangeStart, rangeEnd time.Time, force bool) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "generation.GenerateSlots", trace.WithAttributes(
		attribute.String("config.id", configID),
		attribute.Bool("force", force),
	))
	defer span.End()

	res := Result{ConfigID: configID}
	cfg, err := s.store.GetConfig(ctx, configID)
	if err != nil {
		return res, err
	}
	if !cfg.Active {
		s.logger.Debug("skipping inactive config", "config_id", configID)
		return res, nil
	}

	x, err := s.expander.Expand(cfg, rangeStart, rangeEnd)
	if err != nil {
		return res, err
	}
	if x.Warning != nil {
		res.Warnings = append(res.Warnings, *x.Warning)
		s.logger.Warn("config timezone not recognized", "config_id", configID, "zone", cfg.Timezone, "fallback", x.Warning.Fallback)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return res, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rangeSpan := model.Interval{Start: rangeStart, End: rangeEnd}
	if force {
		res.Removed, err = tx.DeleteAvailableSlots(ctx, cfg.ID, rangeSpan)
		if err != nil {
			return res, fmt.Errorf("delete available slots: %w", err)
		}
	}
	// Count from local midnight so slots earlier on the first day still count toward the cap.
	firstMidnight, _ := tz.ToAbsolute(tz.NewLocalTime(tz.DateOf(rangeStart.In(x.Location())), tz.Clock{}), x.Location())
	if firstMidnight.After(rangeStart) {
		firstMidnight = rangeStart
	}
	existing, err := tx.ListSlots(ctx, storage.SlotQuery{ConfigID: cfg.ID, From: firstMidnight, To: rangeEnd})
	if err != nil {
		return res, fmt.Errorf("list slots: %w", err)
	}
	perDay := map[tz.Date]int{}
	for _, slot := range existing {
		perDay[tz.DateOf(slot.Start.In(x.Location()))]++
	}

	candidates := x.Collect()
	if !force {
		candidates = keepDays(candidates, func(d tz.Date) bool { return perDay[d] == 0 })
	}
	kept, err := rules.NewFilter(conflict.NewDetector(tx), s.now).WithSlots(tx).Apply(ctx, cfg, candidates)
	if err != nil {
		return res, fmt.Errorf("apply rules: %w", err)
	}
	kept = capWithExisting(kept, perDay, cfg.Rules.MaxSlotsPerDay)

	zone := cfg.Timezone
	if x.Warning != nil {
		zone = x.Location().String()
	}
	slots := make([]model.Slot, 0, len(kept))
	for _, c := range kept {
		slots = append(slots, model.Slot{
			ConfigID:       cfg.ID,
			ProfessionalID: cfg.ProfessionalID,
			Start:          c.Start.UTC(),
			End:            c.End.UTC(),
			LocalStart:     c.LocalStart.String(),
			LocalEnd:       c.LocalEnd.String(),
			Timezone:       zone,
			Status:         model.SlotAvailable,
			Metadata:       cfg.Metadata,
		})
		if c.Advisory != nil {
			res.Advisories = append(res.Advisories, *c.Advisory)
		}
	}
	res.Generated, err = tx.InsertSlots(ctx, slots)
	if err != nil {
		return res, fmt.Errorf("insert slots: %w", err)
	}

	if res.Generated > 0 || res.Removed > 0 {
		evt, err := outbox.NewEvent("availability_config", cfg.ID, outbox.SlotsGenerated, map[string]any{
			"config_id":       cfg.ID,
			"professional_id": cfg.ProfessionalID,
			"range_start":     rangeStart.UTC().Format(time.RFC3339),
			"range_end":       rangeEnd.UTC().Format(time.RFC3339),
			"generated":       res.Generated,
			"removed":         res.Removed,
			"forced":          force,
		})
		if err != nil {
			return res, err
		}
		if err := tx.EnqueueEvent(ctx, evt); err != nil {
			return res, fmt.Errorf("enqueue event: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return res, err
	}

	span.SetAttributes(attribute.Int("slots.generated", res.Generated), attribute.Int("slots.removed", res.Removed))
	s.logger.Info("slots generated", "config_id", cfg.ID, "generated", res.Generated, "removed", res.Removed,
		"advisories", len(res.Advisories))
	return res, nil
}

// GenerateHorizon covers now through local midnight days ahead in the config's zone, so a
// rolling run never leaves the last day half generated.
func (s *Service) GenerateHorizon(ctx context.Context, configID string, days int, force bool) (Result, error) {
	cfg, err := s.store.GetConfig(ctx, configID)
	if err != nil {
		return Result{ConfigID: configID}, err
	}
	loc, _ := s.zones.Location(cfg.Timezone)
	now := s.now()

	// One day of slack keeps a DST shift inside the expander's range limit.
	maxDays := int(s.expander.MaxRange()/(24*time.Hour)) - 2
	if days <= 0 || days > maxDays {
		days = maxDays
	}
	today := tz.DateOf(now.In(loc))
	end, _ := tz.ToAbsolute(tz.NewLocalTime(today.AddDays(days+1), tz.Clock{}), loc)
	return s.GenerateSlots(ctx, configID, now, end, force)
}

func keepDays(candidates []model.Candidate, pred func(tz.Date) bool) []model.Candidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if pred(c.Day) {
			out = append(out, c)
		}
	}
	return out
}

// capWithExisting applies the daily cap to slots that survived a forced regeneration as well
// as new candidates. Candidates arrive in start order, so the earliest are kept.
func capWithExisting(candidates []model.Candidate, existing map[tz.Date]int, limit int) []model.Candidate {
	if limit <= 0 {
		return candidates
	}
	used := map[tz.Date]int{}
	out := candidates[:0:0]
	for _, c := range candidates {
		if existing[c.Day]+used[c.Day] >= limit {
			continue
		}
		used[c.Day]++
		out = append(out, c)
	}
	return out
}
