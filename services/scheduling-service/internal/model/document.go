package model

import (
	"strings"
	"time"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/tz"
)

// ConfigDocument is the wire and storage form of an AvailabilityConfig. Durations are whole
// minutes, dates are YYYY-MM-DD and clocks are HH:MM.
type ConfigDocument struct {
	ID                  string             `json:"id,omitempty" yaml:"id,omitempty"`
	ProfessionalID      string             `json:"professional_id" yaml:"professional_id"`
	Recurrence          RecurrenceDocument `json:"recurrence" yaml:"recurrence"`
	IncludeDates        []tz.Date          `json:"include_dates,omitempty" yaml:"include_dates,omitempty"`
	ExcludeDates        []tz.Date          `json:"exclude_dates,omitempty" yaml:"exclude_dates,omitempty"`
	StartTime           tz.Clock           `json:"start_time" yaml:"start_time"`
	EndTime             tz.Clock           `json:"end_time" yaml:"end_time"`
	SlotDurationMinutes int                `json:"slot_duration_minutes" yaml:"slot_duration_minutes"`
	Timezone            string             `json:"timezone" yaml:"timezone"`
	DSTMode             DSTMode            `json:"dst_mode,omitempty" yaml:"dst_mode,omitempty"`
	ValidFrom           tz.Date            `json:"valid_from" yaml:"valid_from"`
	ValidUntil          *tz.Date           `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	Active              *bool              `json:"active,omitempty" yaml:"active,omitempty"`
	BufferMinutes       int                `json:"buffer_minutes,omitempty" yaml:"buffer_minutes,omitempty"`
	MaxSlotsPerDay      int                `json:"max_slots_per_day,omitempty" yaml:"max_slots_per_day,omitempty"`
	MinAdvanceMinutes   int                `json:"min_advance_minutes,omitempty" yaml:"min_advance_minutes,omitempty"`
	MaxAdvanceMinutes   int                `json:"max_advance_minutes,omitempty" yaml:"max_advance_minutes,omitempty"`
	Metadata            Metadata           `json:"metadata,omitempty" yaml:"-"`
}

type RecurrenceDocument struct {
	Kind       RecurrenceKind `json:"kind" yaml:"kind"`
	Weekdays   []string       `json:"weekdays,omitempty" yaml:"weekdays,omitempty"`
	DayOfMonth int            `json:"day_of_month,omitempty" yaml:"day_of_month,omitempty"`
	LastDay    bool           `json:"last_day,omitempty" yaml:"last_day,omitempty"`
}

// Config converts the document. It does not run Validate; a missing active flag means active.
func (d ConfigDocument) Config() (AvailabilityConfig, error) {
	rec, err := d.Recurrence.Recurrence()
	if err != nil {
		return AvailabilityConfig{}, err
	}
	active := true
	if d.Active != nil {
		active = *d.Active
	}
	mode := d.DSTMode
	if mode == "" {
		mode = DSTAuto
	}
	return AvailabilityConfig{
		ID:             d.ID,
		ProfessionalID: strings.TrimSpace(d.ProfessionalID),
		Recurrence:     rec,
		Overrides:      DateOverrides{Include: d.IncludeDates, Exclude: d.ExcludeDates},
		StartTime:      d.StartTime,
		EndTime:        d.EndTime,
		SlotDuration:   minutes(d.SlotDurationMinutes),
		Timezone:       strings.TrimSpace(d.Timezone),
		DSTMode:        mode,
		ValidFrom:      d.ValidFrom,
		ValidUntil:     d.ValidUntil,
		Active:         active,
		Rules: BusinessRules{
			BufferTime:     minutes(d.BufferMinutes),
			MaxSlotsPerDay: d.MaxSlotsPerDay,
			MinAdvance:     minutes(d.MinAdvanceMinutes),
			MaxAdvance:     minutes(d.MaxAdvanceMinutes),
		},
		Metadata: d.Metadata,
	}, nil
}

func DocumentOf(c AvailabilityConfig) ConfigDocument {
	active := c.Active
	return ConfigDocument{
		ID:                  c.ID,
		ProfessionalID:      c.ProfessionalID,
		Recurrence:          RecurrenceDocumentOf(c.Recurrence),
		IncludeDates:        c.Overrides.Include,
		ExcludeDates:        c.Overrides.Exclude,
		StartTime:           c.StartTime,
		EndTime:             c.EndTime,
		SlotDurationMinutes: int(c.SlotDuration / time.Minute),
		Timezone:            c.Timezone,
		DSTMode:             c.DSTMode,
		ValidFrom:           c.ValidFrom,
		ValidUntil:          c.ValidUntil,
		Active:              &active,
		BufferMinutes:       int(c.Rules.BufferTime / time.Minute),
		MaxSlotsPerDay:      c.Rules.MaxSlotsPerDay,
		MinAdvanceMinutes:   int(c.Rules.MinAdvance / time.Minute),
		MaxAdvanceMinutes:   int(c.Rules.MaxAdvance / time.Minute),
		Metadata:            c.Metadata,
	}
}

func (d RecurrenceDocument) Recurrence() (Recurrence, error) {
	switch d.Kind {
	case RecurrenceNone, "":
		return OneOff{}, nil
	case RecurrenceDaily:
		return Daily{}, nil
	case RecurrenceWeekly:
		days := make([]time.Weekday, 0, len(d.Weekdays))
		for _, name := range d.Weekdays {
			wd, ok := ParseWeekday(name)
			if !ok {
				return nil, invalid("unknown weekday %q", name)
			}
			days = append(days, wd)
		}
		return Weekly{Weekdays: days}, nil
	case RecurrenceMonthly:
		return Monthly{DayOfMonth: d.DayOfMonth, LastDay: d.LastDay}, nil
	}
	return nil, invalid("unknown recurrence kind %q", d.Kind)
}

func RecurrenceDocumentOf(r Recurrence) RecurrenceDocument {
	switch r := r.(type) {
	case Weekly:
		names := make([]string, 0, len(r.Weekdays))
		for _, wd := range r.Weekdays {
			names = append(names, strings.ToLower(wd.String()))
		}
		return RecurrenceDocument{Kind: RecurrenceWeekly, Weekdays: names}
	case Monthly:
		return RecurrenceDocument{Kind: RecurrenceMonthly, DayOfMonth: r.DayOfMonth, LastDay: r.LastDay}
	case Daily:
		return RecurrenceDocument{Kind: RecurrenceDaily}
	}
	return RecurrenceDocument{Kind: RecurrenceNone}
}

// ParseWeekday accepts full English names and three-letter abbreviations, any case.
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		full := strings.ToLower(wd.String())
		if s == full || s == full[:3] {
			return wd, true
		}
	}
	return 0, false
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
