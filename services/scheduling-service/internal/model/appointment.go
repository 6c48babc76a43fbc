package model

import "time"

type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentNoShow    AppointmentStatus = "no_show"
)

var appointmentTransitions = map[AppointmentStatus][]AppointmentStatus{
	AppointmentScheduled: {AppointmentConfirmed, AppointmentCancelled, AppointmentNoShow},
	AppointmentConfirmed: {AppointmentCompleted, AppointmentCancelled, AppointmentNoShow},
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentScheduled, AppointmentConfirmed, AppointmentCompleted, AppointmentCancelled, AppointmentNoShow:
		return true
	}
	return false
}

func (s AppointmentStatus) CanTransition(to AppointmentStatus) bool {
	for _, next := range appointmentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Blocking reports whether the appointment still occupies its interval.
func (s AppointmentStatus) Blocking() bool { return s != AppointmentCancelled }

type Appointment struct {
	ID             string
	ProfessionalID string
	ClientID       string
	SlotID         string
	Start          time.Time
	End            time.Time
	Timezone       string
	Status         AppointmentStatus
	Notes          string
	CancelledAt    *time.Time
	CancelledBy    string
	CancelReason   string
	Metadata       Metadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (a Appointment) Interval() Interval { return Interval{Start: a.Start, End: a.End} }

type BlockSource string

const (
	BlockManual BlockSource = "manual"
	BlockImport BlockSource = "import"
)

type BlockedPeriod struct {
	ID             string
	ProfessionalID string
	Start          time.Time
	End            time.Time
	Reason         string
	Active         bool
	Source         BlockSource
	ExternalID     string
	CreatedAt      time.Time
}

func (b BlockedPeriod) Interval() Interval { return Interval{Start: b.Start, End: b.End} }
