package model

import (
	"fmt"
	"time"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/schederr"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/tz"
)

type DSTMode string

const (
	DSTAuto        DSTMode = "auto"
	DSTFixedOffset DSTMode = "fixed_offset"
)

type BusinessRules struct {
	BufferTime     time.Duration
	MaxSlotsPerDay int
	MinAdvance     time.Duration
	// MaxAdvance of zero leaves the booking horizon open.
	MaxAdvance time.Duration
}

type AvailabilityConfig struct {
	ID             string
	ProfessionalID string
	Recurrence     Recurrence
	Overrides      DateOverrides
	StartTime      tz.Clock
	EndTime        tz.Clock
	SlotDuration   time.Duration
	Timezone       string
	DSTMode        DSTMode
	ValidFrom      tz.Date
	ValidUntil     *tz.Date
	Active         bool
	Rules          BusinessRules
	Metadata       Metadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Covers reports whether d lies inside the validity window.
func (c AvailabilityConfig) Covers(d tz.Date) bool {
	if d.Before(c.ValidFrom) {
		return false
	}
	return c.ValidUntil == nil || !d.After(*c.ValidUntil)
}

func (c AvailabilityConfig) Validate() error {
	if c.ProfessionalID == "" {
		return invalid("professional id is required")
	}
	switch r := c.Recurrence.(type) {
	case OneOff, Daily:
	case Weekly:
		if len(r.Weekdays) == 0 {
			return invalid("weekly recurrence needs at least one weekday")
		}
		for _, wd := range r.Weekdays {
			if wd < time.Sunday || wd > time.Saturday {
				return invalid("weekday %d out of range", int(wd))
			}
		}
	case Monthly:
		if r.LastDay && r.DayOfMonth != 0 {
			return invalid("monthly recurrence takes a day of month or last day, not both")
		}
		if !r.LastDay && (r.DayOfMonth < 1 || r.DayOfMonth > 31) {
			return invalid("day of month %d out of range", r.DayOfMonth)
		}
	case nil:
		return invalid("recurrence is required")
	default:
		return invalid("unsupported recurrence %T", r)
	}
	if c.SlotDuration <= 0 {
		return invalid("slot duration must be positive")
	}
	if c.StartTime.Minutes() < 0 || c.EndTime.Minutes() > 24*60 {
		return invalid("window must lie within one day")
	}
	if c.EndTime.Minutes() <= c.StartTime.Minutes() {
		return invalid("window end %s must be after start %s", c.EndTime, c.StartTime)
	}
	switch c.DSTMode {
	case "", DSTAuto, DSTFixedOffset:
	default:
		return invalid("unknown dst mode %q", c.DSTMode)
	}
	if c.ValidFrom.IsZero() {
		return invalid("valid_from is required")
	}
	if c.ValidUntil != nil && c.ValidUntil.Before(c.ValidFrom) {
		return invalid("valid_until precedes valid_from")
	}
	rules := c.Rules
	if rules.BufferTime < 0 || rules.MinAdvance < 0 || rules.MaxAdvance < 0 {
		return invalid("buffer and advance windows must not be negative")
	}
	if rules.MaxSlotsPerDay < 0 {
		return invalid("max slots per day must not be negative")
	}
	if rules.MaxAdvance > 0 && rules.MinAdvance > rules.MaxAdvance {
		return invalid("min advance exceeds max advance")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{schederr.ErrInvalidConfiguration}, args...)...)
}
