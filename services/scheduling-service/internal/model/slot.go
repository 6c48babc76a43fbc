package model

import (
	"time"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/tz"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	// SlotHeld is reserved for a lease-based hold; the coordinator never writes it.
	SlotHeld      SlotStatus = "held"
	SlotBooked    SlotStatus = "booked"
	SlotCancelled SlotStatus = "cancelled"
)

type Slot struct {
	ID             string
	ConfigID       string
	ProfessionalID string
	Start          time.Time
	End            time.Time
	LocalStart     string
	LocalEnd       string
	Timezone       string
	Status         SlotStatus
	BookedBy       string
	Metadata       Metadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (s Slot) Interval() Interval { return Interval{Start: s.Start, End: s.End} }

// Candidate is an expanded, not yet persisted slot.
type Candidate struct {
	Start      time.Time
	End        time.Time
	LocalStart tz.LocalTime
	LocalEnd   tz.LocalTime
	// Day is the local calendar day the window belongs to.
	Day      tz.Date
	Advisory *tz.Advisory
}

func (c Candidate) Interval() Interval { return Interval{Start: c.Start, End: c.End} }
