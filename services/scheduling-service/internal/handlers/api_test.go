package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/kairos-labs/slotkeeper/libs/httpx"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/booking"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/generation"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/icsimport"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/recurrence"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/storage/memstore"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/tz"
)

type testServer struct {
	handler http.Handler
	store   *memstore.Store
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	zones, err := tz.NewResolver("UTC", 0)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	store := memstore.New()
	api := New(Deps{
		Store:       store,
		Coordinator: booking.NewCoordinator(store, logger),
		Generator:   generation.NewService(store, recurrence.NewExpander(zones, 0), zones, logger),
		Importer:    icsimport.NewImporter(zones, logger),
		Zones:       zones,
		Logger:      logger,
		HorizonDays: 3,
	})
	mux := http.NewServeMux()
	api.Register(mux, httpx.RateLimit(httpx.NewMemoryLimiter(100, time.Minute), nil, logger, true))
	return testServer{handler: httpx.Chain(mux, httpx.WithRequestID), store: store}
}

func (s testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

type errorEnvelope struct {
	Error httpx.ErrorBody `json:"error"`
}

var dailyConfig = map[string]any{
	"professional_id":       "pro-1",
	"recurrence":            map[string]any{"kind": "daily"},
	"start_time":            "09:00",
	"end_time":              "17:00",
	"slot_duration_minutes": 60,
	"timezone":              "UTC",
	"valid_from":            "2020-01-01",
}

func (s testServer) seed(t *testing.T) (configID string, slots []slotJSON) {
	t.Helper()
	rec := s.do(t, http.MethodPut, "/api/v1/availability/configs", dailyConfig)
	if rec.Code != http.StatusOK {
		t.Fatalf("put config: %d %s", rec.Code, rec.Body.String())
	}
	put := decode[struct {
		Config     struct{ ID string } `json:"config"`
		Generation *generationJSON     `json:"generation"`
	}](t, rec)
	if put.Generation == nil || put.Generation.Generated == 0 {
		t.Fatalf("config upsert must generate the horizon, got %+v", put.Generation)
	}
	rec = s.do(t, http.MethodGet, "/api/v1/slots?config_id="+put.Config.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list slots: %d %s", rec.Code, rec.Body.String())
	}
	list := decode[struct{ Slots []slotJSON }](t, rec)
	if len(list.Slots) != put.Generation.Generated {
		t.Fatalf("expected %d slots, got %d", put.Generation.Generated, len(list.Slots))
	}
	return put.Config.ID, list.Slots
}

func TestBookingFlow(t *testing.T) {
	s := newTestServer(t)
	_, slots := s.seed(t)
	slot := slots[0]

	rec := s.do(t, http.MethodPost, "/api/v1/slots/book", map[string]any{"slot_id": slot.ID, "requester_id": "client-a"},
		IdempotencyKeyHeader, "key-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("book: %d %s", rec.Code, rec.Body.String())
	}
	appt := decode[appointmentJSON](t, rec)
	if appt.SlotID != slot.ID || appt.Status != "scheduled" || !appt.Start.Equal(slot.Start) {
		t.Fatalf("unexpected appointment %+v", appt)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/slots/book", map[string]any{"slot_id": slot.ID, "requester_id": "client-a"},
		IdempotencyKeyHeader, "key-1")
	if rec.Code != http.StatusCreated || decode[appointmentJSON](t, rec).ID != appt.ID {
		t.Fatalf("idempotent replay must return the first appointment")
	}

	rec = s.do(t, http.MethodPost, "/api/v1/slots/book", map[string]any{"slot_id": slot.ID, "requester_id": "client-b"})
	if rec.Code != http.StatusConflict || decode[errorEnvelope](t, rec).Error.Code != "slot_unavailable" {
		t.Fatalf("second booking must be rejected, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/appointments/cancel", map[string]any{"appointment_id": appt.ID, "actor_id": "client-a", "reason": "sick"})
	if rec.Code != http.StatusOK || decode[appointmentJSON](t, rec).Status != "cancelled" {
		t.Fatalf("cancel: %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/api/v1/appointments/status", map[string]any{"appointment_id": appt.ID, "status": "confirmed"})
	if rec.Code != http.StatusConflict || decode[errorEnvelope](t, rec).Error.Code != "invalid_transition" {
		t.Fatalf("cancelled appointment cannot be confirmed, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/slots/book", map[string]any{"slot_id": slot.ID, "requester_id": "client-b"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("freed slot must be bookable again, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestDirectSchedulingAndConflicts(t *testing.T) {
	s := newTestServer(t)
	start := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Hour)
	body := map[string]any{
		"professional_id": "pro-9",
		"client_id":       "client-a",
		"start":           start.Format(time.RFC3339),
		"end":             start.Add(time.Hour).Format(time.RFC3339),
	}
	if rec := s.do(t, http.MethodPost, "/api/v1/appointments", body); rec.Code != http.StatusCreated {
		t.Fatalf("schedule: %d %s", rec.Code, rec.Body.String())
	}

	body["client_id"] = "client-b"
	body["start"] = start.Add(30 * time.Minute).Format(time.RFC3339)
	body["end"] = start.Add(90 * time.Minute).Format(time.RFC3339)
	rec := s.do(t, http.MethodPost, "/api/v1/appointments", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("overlap must be rejected, got %d", rec.Code)
	}
	if env := decode[errorEnvelope](t, rec); env.Error.Code != "validation_failed" || env.Error.Details == nil {
		t.Fatalf("expected conflict details, got %+v", env)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/conflicts/check", map[string]any{
		"professional_id": "pro-9",
		"start":           start.Add(time.Hour).Format(time.RFC3339),
		"end":             start.Add(2 * time.Hour).Format(time.RFC3339),
	})
	if rec.Code != http.StatusOK || decode[conflictJSON](t, rec).Conflict {
		t.Fatalf("touching interval must not conflict")
	}
}

func TestBlockedPeriodsAndImport(t *testing.T) {
	s := newTestServer(t)
	start := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour)

	rec := s.do(t, http.MethodPost, "/api/v1/blocked-periods", map[string]any{
		"professional_id": "pro-1",
		"start":           start.Format(time.RFC3339),
		"end":             start.Add(time.Hour).Format(time.RFC3339),
		"reason":          "lunch",
	})
	if rec.Code != http.StatusCreated || decode[blockedJSON](t, rec).Source != "manual" {
		t.Fatalf("create blocked period: %d", rec.Code)
	}

	ics := strings.Join([]string{
		"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN",
		"BEGIN:VEVENT", "UID:ext-1", "DTSTAMP:20240101T000000Z",
		"DTSTART:" + start.Add(3*time.Hour).Format("20060102T150405Z"),
		"DTEND:" + start.Add(4*time.Hour).Format("20060102T150405Z"),
		"END:VEVENT", "END:VCALENDAR", "",
	}, "\r\n")
	rec = s.do(t, http.MethodPost, "/api/v1/blocked-periods/import?professional_id=pro-1", ics)
	if rec.Code != http.StatusOK {
		t.Fatalf("import: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[importResponse](t, rec); len(got.Imported) != 1 {
		t.Fatalf("expected one imported period, got %+v", got)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/conflicts/check", map[string]any{
		"professional_id": "pro-1",
		"start":           start.Format(time.RFC3339),
		"end":             start.Add(5 * time.Hour).Format(time.RFC3339),
	})
	if res := decode[conflictJSON](t, rec); len(res.BlockedPeriods) != 2 {
		t.Fatalf("expected both blocks reported, got %+v", res)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)

	bad := map[string]any{}
	for k, v := range dailyConfig {
		bad[k] = v
	}
	bad["end_time"] = "08:00"
	if rec := s.do(t, http.MethodPut, "/api/v1/availability/configs", bad); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid config: expected 422, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPut, "/api/v1/availability/configs", `{"unknown":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/api/v1/appointments/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing appointment: expected 404, got %d", rec.Code)
	}

	configID, _ := s.seed(t)
	rec := s.do(t, http.MethodPost, "/api/v1/availability/generate", map[string]any{
		"config_id": configID,
		"start":     "2024-01-01T00:00:00Z",
		"end":       "2024-06-01T00:00:00Z",
	})
	if rec.Code != http.StatusBadRequest || decode[errorEnvelope](t, rec).Error.Code != "range_too_large" {
		t.Fatalf("expected range_too_large, got %d", rec.Code)
	}

	if rec := s.do(t, http.MethodDelete, "/api/v1/availability/configs/"+configID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/api/v1/availability/generate", map[string]any{"config_id": configID, "force": true})
	if rec.Code != http.StatusOK || decode[generationJSON](t, rec).Generated != 0 {
		t.Fatalf("disabled config must generate nothing")
	}
}

func TestWithdrawSlot(t *testing.T) {
	s := newTestServer(t)
	_, slots := s.seed(t)

	rec := s.do(t, http.MethodPost, "/api/v1/slots/withdraw", map[string]any{"slot_id": slots[1].ID, "actor_id": "admin"})
	if rec.Code != http.StatusOK || decode[slotJSON](t, rec).Status != "cancelled" {
		t.Fatalf("withdraw: %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/api/v1/slots/book", map[string]any{"slot_id": slots[1].ID, "requester_id": "client-a"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("withdrawn slot must not be bookable, got %d", rec.Code)
	}
}

func TestTimezoneEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/timezones/convert?local=2024-03-10T02:30&zone=America/New_York", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("convert: %d %s", rec.Code, rec.Body.String())
	}
	conv := decode[convertResponse](t, rec)
	if conv.Resolution != "nonexistent" || !conv.Instant.Equal(time.Date(2024, 3, 10, 7, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected gap resolution %+v", conv)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/timezones/convert?instant=2024-07-01T12:00:00Z&to=Europe/Berlin", nil)
	conv = decode[convertResponse](t, rec)
	if conv.Local != "2024-07-01T14:00" || conv.Offset != 7200 {
		t.Fatalf("unexpected conversion %+v", conv)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/timezones/convert?instant=2024-07-01T12:00:00Z&to=Mars/Olympus", nil)
	if conv := decode[convertResponse](t, rec); len(conv.Warnings) != 1 || conv.Zone != "UTC" {
		t.Fatalf("unknown zone must fall back with a warning, got %+v", conv)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/timezones/transitions?zone=America/New_York&year=2024", nil)
	tr := decode[struct{ Transitions []tz.Transition }](t, rec)
	if len(tr.Transitions) != 2 || tr.Transitions[0].Delta() != time.Hour {
		t.Fatalf("unexpected transitions %+v", tr.Transitions)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/timezones?prefix=europe/ber", nil)
	zones := decode[struct{ Zones []string }](t, rec)
	if fmt.Sprint(zones.Zones) != "[Europe/Berlin]" {
		t.Fatalf("unexpected zones %v", zones.Zones)
	}
}
