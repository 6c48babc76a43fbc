// Package handlers exposes the scheduling engine over HTTP.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kairos-labs/slotkeeper/libs/httpx"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/booking"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/conflict"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/generation"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/icsimport"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/schederr"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/storage"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/tz"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type Deps struct {
	Store       storage.Store
	Coordinator *booking.Coordinator
	Generator   *generation.Service
	Importer    *icsimport.Importer
	Zones       *tz.Resolver
	Logger      *slog.Logger
	HorizonDays int
}

type API struct {
	store       storage.Store
	coord       *booking.Coordinator
	gen         *generation.Service
	importer    *icsimport.Importer
	zones       *tz.Resolver
	logger      *slog.Logger
	horizonDays int
	now         func() time.Time
}

func New(d Deps) *API {
	if d.HorizonDays <= 0 {
		d.HorizonDays = 14
	}
	return &API{
		store:       d.Store,
		coord:       d.Coordinator,
		gen:         d.Generator,
		importer:    d.Importer,
		zones:       d.Zones,
		logger:      d.Logger,
		horizonDays: d.HorizonDays,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Register mounts the API on mux. bookingGuard wraps the routes that take a slot or create
// an appointment; pass nil for none.
func (a *API) Register(mux *http.ServeMux, bookingGuard httpx.Middleware) {
	guard := func(h http.HandlerFunc) http.Handler {
		if bookingGuard == nil {
			return h
		}
		return bookingGuard(h)
	}

	mux.HandleFunc("PUT /api/v1/availability/configs", a.PutConfig)
	mux.HandleFunc("GET /api/v1/availability/configs/{id}", a.GetConfig)
	mux.HandleFunc("DELETE /api/v1/availability/configs/{id}", a.DeleteConfig)
	mux.HandleFunc("POST /api/v1/availability/generate", a.Generate)

	mux.HandleFunc("GET /api/v1/slots", a.ListSlots)
	mux.Handle("POST /api/v1/slots/book", guard(a.BookSlot))
	mux.HandleFunc("POST /api/v1/slots/withdraw", a.WithdrawSlot)

	mux.Handle("POST /api/v1/appointments", guard(a.ScheduleAppointment))
	mux.HandleFunc("GET /api/v1/appointments/{id}", a.GetAppointment)
	mux.HandleFunc("POST /api/v1/appointments/cancel", a.CancelAppointment)
	mux.HandleFunc("POST /api/v1/appointments/status", a.TransitionAppointment)
	mux.HandleFunc("POST /api/v1/conflicts/check", a.CheckConflicts)

	mux.HandleFunc("POST /api/v1/blocked-periods", a.CreateBlockedPeriod)
	mux.HandleFunc("POST /api/v1/blocked-periods/import", a.ImportBlockedPeriods)

	mux.HandleFunc("GET /api/v1/timezones", a.ListTimezones)
	mux.HandleFunc("GET /api/v1/timezones/convert", a.Convert)
	mux.HandleFunc("GET /api/v1/timezones/transitions", a.Transitions)
}

// writeErr maps engine errors onto status codes. Anything unrecognised is a 500 and is
// logged; the client only sees a generic message.
func (a *API) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var cerr *conflict.Error
	switch {
	case errors.As(err, &cerr):
		httpx.WriteErrorDetails(w, http.StatusConflict, "validation_failed", "interval conflicts with existing busy time", conflictOf(cerr.Result))
	case errors.Is(err, schederr.ErrSlotUnavailable):
		httpx.WriteError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, schederr.ErrInvalidTransition):
		httpx.WriteError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, schederr.ErrValidationFailed):
		httpx.WriteError(w, http.StatusConflict, "validation_failed", err.Error())
	case errors.Is(err, schederr.ErrInvalidConfiguration):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "invalid_configuration", err.Error())
	case errors.Is(err, schederr.ErrRangeTooLarge):
		httpx.WriteError(w, http.StatusBadRequest, "range_too_large", err.Error())
	case errors.Is(err, schederr.ErrInvalidArgument):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case storage.IsNotFound(err):
		httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		a.logger.Error("request failed", "err", err, "path", r.URL.Path, "request_id", httpx.RequestIDFromContext(r.Context()))
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	httpx.WriteError(w, http.StatusBadRequest, "invalid_argument", msg)
}

func parseInstant(field, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, errors.New(field + " must be an RFC 3339 timestamp")
	}
	return t, nil
}
