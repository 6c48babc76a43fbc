package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kairos-labs/slotkeeper/libs/httpx"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/icsimport"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
)

type blockedRequest struct {
	ProfessionalID string `json:"professional_id"`
	Start          string `json:"start"`
	End            string `json:"end"`
	Reason         string `json:"reason"`
	ExternalID     string `json:"external_id"`
	Active         *bool  `json:"active"`
}

// CreateBlockedPeriod records manual busy time. With an external_id the row for that id is
// replaced, which lets callers move or deactivate a block they created earlier.
func (a *API) CreateBlockedPeriod(w http.ResponseWriter, r *http.Request) {
	var req blockedRequest
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
	bp := model.BlockedPeriod{
		ProfessionalID: strings.TrimSpace(req.ProfessionalID),
		Start:          start.UTC(),
		End:            end.UTC(),
		Reason:         req.Reason,
		Active:         req.Active == nil || *req.Active,
		Source:         model.BlockManual,
		ExternalID:     strings.TrimSpace(req.ExternalID),
	}
	if !bp.Interval().Valid() {
		badRequest(w, "end must be after start")
		return
	}
	if err := a.store.UpsertBlockedPeriod(r.Context(), &bp); err != nil {
		a.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, blockedOf(bp))
}

type importResponse struct {
	Imported  []blockedJSON `json:"imported"`
	Skipped   int           `json:"skipped"`
	Truncated []string      `json:"truncated,omitempty"`
	Warnings  any           `json:"warnings,omitempty"`
}

// ImportBlockedPeriods reads an iCalendar body and upserts its busy time for the next
// days (default: the generation horizon) as imported blocked periods.
func (a *API) ImportBlockedPeriods(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	professionalID := strings.TrimSpace(q.Get("professional_id"))
	if professionalID == "" {
		badRequest(w, "professional_id is required")
		return
	}
	days := a.horizonDays
	if raw := q.Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "days must be a positive integer")
			return
		}
		days = n
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, "too_large", "calendar body too large")
			return
		}
		badRequest(w, "could not read body")
		return
	}

	start := a.now()
	res, err := a.importer.Import(body, icsimport.Options{
		ProfessionalID: professionalID,
		Window:         model.Interval{Start: start, End: start.Add(time.Duration(days) * 24 * time.Hour)},
		Zone:           q.Get("timezone"),
	})
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	out := importResponse{Imported: make([]blockedJSON, 0, len(res.Periods)), Skipped: res.Skipped, Truncated: res.Truncated}
	if len(res.Warnings) > 0 {
		out.Warnings = res.Warnings
	}
	for i := range res.Periods {
		if err := a.store.UpsertBlockedPeriod(r.Context(), &res.Periods[i]); err != nil {
			a.writeErr(w, r, err)
			return
		}
		out.Imported = append(out.Imported, blockedOf(res.Periods[i]))
	}
	a.logger.Info("calendar imported", "professional_id", professionalID, "periods", len(res.Periods), "skipped", res.Skipped)
	httpx.WriteJSON(w, http.StatusOK, out)
}
