package handlers

import (
	"net/http"
	"strings"

	"github.com/kairos-labs/slotkeeper/libs/httpx"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/booking"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/conflict"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
)

type bookSlotRequest struct {
	SlotID      string         `json:"slot_id"`
	RequesterID string         `json:"requester_id"`
	Notes       string         `json:"notes"`
	Metadata    model.Metadata `json:"metadata"`
}

// BookSlot answers 201 with the appointment. A retry carrying the same Idempotency-Key
// returns the appointment of the first attempt.
func (a *API) BookSlot(w http.ResponseWriter, r *http.Request) {
	var req bookSlotRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	appt, err := a.coord.BookSlot(r.Context(), booking.BookingRequest{
		SlotID:         req.SlotID,
		RequesterID:    req.RequesterID,
		Notes:          req.Notes,
		Metadata:       req.Metadata,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)),
	})
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, appointmentOf(appt))
}

type withdrawRequest struct {
	SlotID  string `json:"slot_id"`
	ActorID string `json:"actor_id"`
}

func (a *API) WithdrawSlot(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.SlotID) == "" {
		badRequest(w, "slot_id is required")
		return
	}
	slot, err := a.coord.WithdrawSlot(r.Context(), strings.TrimSpace(req.SlotID), req.ActorID)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, slotOf(slot))
}

type scheduleRequest struct {
	ProfessionalID string         `json:"professional_id"`
	ClientID       string         `json:"client_id"`
	Start          string         `json:"start"`
	End            string         `json:"end"`
	Timezone       string         `json:"timezone"`
	Notes          string         `json:"notes"`
	Metadata       model.Metadata `json:"metadata"`
}

func (a *API) ScheduleAppointment(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	start, err := parseInstant("start", req.Start)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	end, err := parseInstant("end", req.End)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	appt, err := a.coord.ScheduleAppointment(r.Context(), booking.DirectRequest{
		ProfessionalID: req.ProfessionalID,
		ClientID:       req.ClientID,
		Start:          start,
		End:            end,
		Timezone:       req.Timezone,
		Notes:          req.Notes,
		Metadata:       req.Metadata,
	})
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, appointmentOf(appt))
}

func (a *API) GetAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := a.store.GetAppointment(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, appointmentOf(appt))
}

type cancelRequest struct {
	AppointmentID string `json:"appointment_id"`
	ActorID       string `json:"actor_id"`
	Reason        string `json:"reason"`
}

func (a *API) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.AppointmentID) == "" {
		badRequest(w, "appointment_id is required")
		return
	}
	appt, err := a.coord.CancelAppointment(r.Context(), strings.TrimSpace(req.AppointmentID), req.ActorID, req.Reason)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, appointmentOf(appt))
}

type transitionRequest struct {
	AppointmentID string `json:"appointment_id"`
	ActorID       string `json:"actor_id"`
	Status        string `json:"status"`
}

func (a *API) TransitionAppointment(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.AppointmentID) == "" {
		badRequest(w, "appointment_id is required")
		return
	}
	target := model.AppointmentStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	appt, err := a.coord.Transition(r.Context(), strings.TrimSpace(req.AppointmentID), req.ActorID, target)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, appointmentOf(appt))
}

type conflictRequest struct {
	ProfessionalID string `json:"professional_id"`
	Start          string `json:"start"`
	End            string `json:"end"`
}

// CheckConflicts is a read-only lookup; it takes no locks and its answer can be stale by
// the time a booking is attempted.
func (a *API) CheckConflicts(w http.ResponseWriter, r *http.Request) {
	var req conflictRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.ProfessionalID) == "" {
		badRequest(w, "professional_id is required")
		return
	}
	start, err := parseInstant("start", req.Start)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	end, err := parseInstant("end", req.End)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	iv := model.Interval{Start: start.UTC(), End: end.UTC()}
	if !iv.Valid() {
		badRequest(w, "end must be after start")
		return
	}
	res, err := conflict.NewDetector(a.store).HasConflict(r.Context(), iv, strings.TrimSpace(req.ProfessionalID))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, conflictOf(res))
}
