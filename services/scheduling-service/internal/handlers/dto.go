package handlers

import (
	"time"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/conflict"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/generation"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/tz"
)

type slotJSON struct {
	ID             string         `json:"id"`
	ConfigID       string         `json:"config_id"`
	ProfessionalID string         `json:"professional_id"`
	Start          time.Time      `json:"start"`
	End            time.Time      `json:"end"`
	LocalStart     string         `json:"local_start"`
	LocalEnd       string         `json:"local_end"`
	Timezone       string         `json:"timezone"`
	Status         string         `json:"status"`
	BookedBy       string         `json:"booked_by,omitempty"`
	Metadata       model.Metadata `json:"metadata,omitempty"`
}

func slotOf(s model.Slot) slotJSON {
	return slotJSON{
		ID:             s.ID,
		ConfigID:       s.ConfigID,
		ProfessionalID: s.ProfessionalID,
		Start:          s.Start.UTC(),
		End:            s.End.UTC(),
		LocalStart:     s.LocalStart,
		LocalEnd:       s.LocalEnd,
		Timezone:       s.Timezone,
		Status:         string(s.Status),
		BookedBy:       s.BookedBy,
		Metadata:       s.Metadata,
	}
}

type appointmentJSON struct {
	ID             string         `json:"id"`
	ProfessionalID string         `json:"professional_id"`
	ClientID       string         `json:"client_id"`
	SlotID         string         `json:"slot_id,omitempty"`
	Start          time.Time      `json:"start"`
	End            time.Time      `json:"end"`
	Timezone       string         `json:"timezone,omitempty"`
	Status         string         `json:"status"`
	Notes          string         `json:"notes,omitempty"`
	CancelledAt    *time.Time     `json:"cancelled_at,omitempty"`
	CancelledBy    string         `json:"cancelled_by,omitempty"`
	CancelReason   string         `json:"cancel_reason,omitempty"`
	Metadata       model.Metadata `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func appointmentOf(a model.Appointment) appointmentJSON {
	return appointmentJSON{
		ID:             a.ID,
		ProfessionalID: a.ProfessionalID,
		ClientID:       a.ClientID,
		SlotID:         a.SlotID,
		Start:          a.Start.UTC(),
		End:            a.End.UTC(),
		Timezone:       a.Timezone,
		Status:         string(a.Status),
		Notes:          a.Notes,
		CancelledAt:    a.CancelledAt,
		CancelledBy:    a.CancelledBy,
		CancelReason:   a.CancelReason,
		Metadata:       a.Metadata,
		CreatedAt:      a.CreatedAt.UTC(),
	}
}

type blockedJSON struct {
	ID             string    `json:"id"`
	ProfessionalID string    `json:"professional_id"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Reason         string    `json:"reason,omitempty"`
	Active         bool      `json:"active"`
	Source         string    `json:"source"`
	ExternalID     string    `json:"external_id,omitempty"`
}

func blockedOf(b model.BlockedPeriod) blockedJSON {
	return blockedJSON{
		ID:             b.ID,
		ProfessionalID: b.ProfessionalID,
		Start:          b.Start.UTC(),
		End:            b.End.UTC(),
		Reason:         b.Reason,
		Active:         b.Active,
		Source:         string(b.Source),
		ExternalID:     b.ExternalID,
	}
}

type conflictJSON struct {
	Conflict       bool              `json:"conflict"`
	Appointments   []appointmentJSON `json:"appointments"`
	BlockedPeriods []blockedJSON     `json:"blocked_periods"`
}

func conflictOf(r conflict.Result) conflictJSON {
	out := conflictJSON{
		Conflict:       r.Conflict(),
		Appointments:   make([]appointmentJSON, 0, len(r.Appointments)),
		BlockedPeriods: make([]blockedJSON, 0, len(r.BlockedPeriods)),
	}
	for _, a := range r.Appointments {
		out.Appointments = append(out.Appointments, appointmentOf(a))
	}
	for _, b := range r.BlockedPeriods {
		out.BlockedPeriods = append(out.BlockedPeriods, blockedOf(b))
	}
	return out
}

type generationJSON struct {
	ConfigID   string        `json:"config_id"`
	Generated  int           `json:"generated"`
	Removed    int           `json:"removed"`
	Warnings   []tz.Warning  `json:"warnings,omitempty"`
	Advisories []tz.Advisory `json:"advisories,omitempty"`
}

func generationOf(r generation.Result) generationJSON {
	return generationJSON{
		ConfigID:   r.ConfigID,
		Generated:  r.Generated,
		Removed:    r.Removed,
		Warnings:   r.Warnings,
		Advisories: r.Advisories,
	}
}
