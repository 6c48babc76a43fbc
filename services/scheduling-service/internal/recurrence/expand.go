// Package recurrence turns an availability config into candidate slot intervals.
package recurrence

import (
	"fmt"
	"iter"
	"time"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/schederr"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/tz"
	"github.com/teambition/rrule-go"
)

const DefaultMaxRange = 45 * 24 * time.Hour

type Expander struct {
	zones    *tz.Resolver
	maxRange time.Duration
}

func NewExpander(zones *tz.Resolver, maxRange time.Duration) *Expander {
	if maxRange <= 0 {
		maxRange = DefaultMaxRange
	}
	return &Expander{zones: zones, maxRange: maxRange}
}

func (e *Expander) MaxRange() time.Duration { return e.maxRange }

// Expansion is a validated expansion request. Candidates may be ranged over any number
// of times; each pass recomputes from the same inputs.
type Expansion struct {
	cfg        model.AvailabilityConfig
	loc        *time.Location
	rangeStart time.Time
	rangeEnd   time.Time
	from       tz.Date
	until      tz.Date
	// set is nil when the validity window misses the range.
	set *rrule.Set
	// Warning is set when the config's zone was not recognized.
	Warning *tz.Warning
}

// Expand validates the request. Range and configuration errors are reported here,
// before any tiling happens.
func (e *Expander) Expand(cfg model.AvailabilityConfig, rangeStart, rangeEnd time.Time) (*Expansion, error) {
	if !rangeEnd.After(rangeStart) {
		return nil, fmt.Errorf("%w: range end must be after range start", schederr.ErrInvalidConfiguration)
	}
	if span := rangeEnd.Sub(rangeStart); span > e.maxRange {
		return nil, fmt.Errorf("%w: %s exceeds %s", schederr.ErrRangeTooLarge, span, e.maxRange)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	loc, warn := e.zones.Location(cfg.Timezone)
	if cfg.DSTMode == model.DSTFixedOffset {
		loc = tz.FixedAt(loc, cfg.ValidFrom)
	}
	x := &Expansion{cfg: cfg, loc: loc, rangeStart: rangeStart, rangeEnd: rangeEnd, Warning: warn}

	x.from = tz.DateOf(rangeStart.In(loc))
	x.until = tz.DateOf(rangeEnd.In(loc))
	if x.from.Before(cfg.ValidFrom) {
		x.from = cfg.ValidFrom
	}
	if cfg.ValidUntil != nil && x.until.After(*cfg.ValidUntil) {
		x.until = *cfg.ValidUntil
	}
	if x.from.After(x.until) {
		return x, nil
	}
	set, err := x.ruleSet(x.from)
	if err != nil {
		return nil, err
	}
	x.set = set
	return x, nil
}

func (x *Expansion) Location() *time.Location { return x.loc }

func (x *Expansion) Config() model.AvailabilityConfig { return x.cfg }

// Candidates yields slots in start order.
func (x *Expansion) Candidates() iter.Seq[model.Candidate] {
	return func(yield func(model.Candidate) bool) {
		var lastEnd time.Time
		for _, day := range x.days() {
			if !x.tileDay(day, &lastEnd, yield) {
				return
			}
		}
	}
}

// Collect drains Candidates into a slice.
func (x *Expansion) Collect() []model.Candidate {
	var out []model.Candidate
	for c := range x.Candidates() {
		out = append(out, c)
	}
	return out
}

// days lists the local dates that carry a window, with overrides applied.
func (x *Expansion) days() []tz.Date {
	if x.set == nil {
		return nil
	}
	var out []tz.Date
	var prev tz.Date
	for _, t := range x.set.Between(x.from.UTCMidnight(), x.until.UTCMidnight(), true) {
		day := tz.DateOf(t)
		if day == prev || !x.cfg.Covers(day) {
			continue
		}
		out = append(out, day)
		prev = day
	}
	return out
}

func (x *Expansion) ruleSet(from tz.Date) (*rrule.Set, error) {
	opt := rrule.ROption{Dtstart: from.UTCMidnight()}
	switch r := x.cfg.Recurrence.(type) {
	case model.OneOff:
		opt.Freq = rrule.DAILY
		opt.Dtstart = x.cfg.ValidFrom.UTCMidnight()
		opt.Count = 1
	case model.Daily:
		opt.Freq = rrule.DAILY
	case model.Weekly:
		opt.Freq = rrule.WEEKLY
		for _, wd := range r.Weekdays {
			opt.Byweekday = append(opt.Byweekday, weekdays[wd])
		}
	case model.Monthly:
		opt.Freq = rrule.MONTHLY
		if r.LastDay {
			opt.Bymonthday = []int{-1}
		} else {
			opt.Bymonthday = []int{r.DayOfMonth}
		}
	default:
		return nil, fmt.Errorf("%w: unsupported recurrence %T", schederr.ErrInvalidConfiguration, r)
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schederr.ErrInvalidConfiguration, err)
	}
	var set rrule.Set
	set.RRule(rule)

	included := make(map[tz.Date]bool, len(x.cfg.Overrides.Include))
	for _, d := range x.cfg.Overrides.Include {
		included[d] = true
		set.RDate(d.UTCMidnight())
	}
	for _, d := range x.cfg.Overrides.Exclude {
		if !included[d] {
			set.ExDate(d.UTCMidnight())
		}
	}
	return &set, nil
}

var weekdays = [...]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

// tileDay walks the day's wall-clock window in steps of duration plus buffer.
func (x *Expansion) tileDay(day tz.Date, lastEnd *time.Time, yield func(model.Candidate) bool) bool {
	dur := x.cfg.SlotDuration
	buffer := x.cfg.Rules.BufferTime
	windowEnd := tz.NewLocalTime(day, x.cfg.EndTime)

	for s := tz.NewLocalTime(day, x.cfg.StartTime); !s.Add(dur).After(windowEnd); s = s.Add(dur + buffer) {
		start, res := tz.ToAbsolute(s, x.loc)
		if res == tz.Nonexistent {
			continue
		}
		end, _ := tz.ToAbsolute(s.Add(dur), x.loc)
		end, adv := tz.AdjustForDSTCrossing(start, end, dur, x.loc)
		if !end.After(start) {
			continue
		}
		if start.Before(x.rangeStart) || end.After(x.rangeEnd) {
			continue
		}
		if !lastEnd.IsZero() && start.Before(lastEnd.Add(buffer)) {
			continue
		}
		*lastEnd = end
		c := model.Candidate{
			Start:      start,
			End:        end,
			LocalStart: tz.ToLocal(start, x.loc),
			LocalEnd:   tz.ToLocal(end, x.loc),
			Day:        day,
			Advisory:   adv,
		}
		if !yield(c) {
			return false
		}
	}
	return true
}
