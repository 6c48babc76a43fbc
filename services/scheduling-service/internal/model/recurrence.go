package model

import (
	"time"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/tz"
)

type RecurrenceKind string

const (
	RecurrenceNone    RecurrenceKind = "none"
	RecurrenceDaily   RecurrenceKind = "daily"
	RecurrenceWeekly  RecurrenceKind = "weekly"
	RecurrenceMonthly RecurrenceKind = "monthly"
)

// Recurrence is a closed set of variants: OneOff, Daily, Weekly and Monthly.
type Recurrence interface {
	Kind() RecurrenceKind
	sealed()
}

// OneOff yields a single window on the config's ValidFrom date.
type OneOff struct{}

type Daily struct{}

type Weekly struct {
	Weekdays []time.Weekday
}

// Monthly repeats on one day of the month, or on its last day when LastDay is set.
type Monthly struct {
	DayOfMonth int
	LastDay    bool
}

func (OneOff) Kind() RecurrenceKind  { return RecurrenceNone }
func (Daily) Kind() RecurrenceKind   { return RecurrenceDaily }
func (Weekly) Kind() RecurrenceKind  { return RecurrenceWeekly }
func (Monthly) Kind() RecurrenceKind { return RecurrenceMonthly }

func (OneOff) sealed()  {}
func (Daily) sealed()   {}
func (Weekly) sealed()  {}
func (Monthly) sealed() {}

// DateOverrides apply per local calendar day. A date in both lists is included.
type DateOverrides struct {
	Include []tz.Date
	Exclude []tz.Date
}
