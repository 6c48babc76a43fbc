package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/kairos-labs/slotkeeper/libs/httpx"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/generation"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/storage"
)

const maxSlotPage = 1000

type configResponse struct {
	Config     model.ConfigDocument `json:"config"`
	Generation *generationJSON      `json:"generation,omitempty"`
}

// PutConfig creates or replaces a config and regenerates its horizon with force, so
// available slots that no longer match the new rules are replaced.
func (a *API) PutConfig(w http.ResponseWriter, r *http.Request) {
	var doc model.ConfigDocument
	if err := httpx.DecodeJSON(r, &doc); err != nil {
		badRequest(w, err.Error())
		return
	}
	cfg, err := doc.Config()
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		a.writeErr(w, r, err)
		return
	}
	ctx := r.Context()
	if err := a.store.UpsertConfig(ctx, &cfg); err != nil {
		a.writeErr(w, r, err)
		return
	}
	resp := configResponse{Config: model.DocumentOf(cfg)}
	if cfg.Active {
		res, err := a.gen.GenerateHorizon(ctx, cfg.ID, a.horizonDays, true)
		if err != nil {
			a.writeErr(w, r, err)
			return
		}
		g := generationOf(res)
		resp.Generation = &g
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *API) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.store.GetConfig(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, configResponse{Config: model.DocumentOf(cfg)})
}

// DeleteConfig deactivates the config. Existing slots and appointments are kept.
func (a *API) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := a.store.DisableConfig(r.Context(), r.PathValue("id")); err != nil {
		a.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type generateRequest struct {
	ConfigID string `json:"config_id"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Days     int    `json:"days"`
	Force    bool   `json:"force"`
}

// Generate materializes slots for an explicit range, or for the rolling horizon when the
// range is omitted.
func (a *API) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	req.ConfigID = strings.TrimSpace(req.ConfigID)
	if req.ConfigID == "" {
		badRequest(w, "config_id is required")
		return
	}

	var (
		res generation.Result
		err error
	)
	if req.Start == "" && req.End == "" {
		days := req.Days
		if days <= 0 {
			days = a.horizonDays
		}
		res, err = a.gen.GenerateHorizon(r.Context(), req.ConfigID, days, req.Force)
	} else {
		start, perr := parseInstant("start", req.Start)
		if perr != nil {
			badRequest(w, perr.Error())
			return
		}
		end, perr := parseInstant("end", req.End)
		if perr != nil {
			badRequest(w, perr.Error())
			return
		}
		res, err = a.gen.GenerateSlots(r.Context(), req.ConfigID, start, end, req.Force)
	}
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, generationOf(res))
}

func (a *API) ListSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := storage.SlotQuery{
		ConfigID:       strings.TrimSpace(q.Get("config_id")),
		ProfessionalID: strings.TrimSpace(q.Get("professional_id")),
		Status:         model.SlotStatus(strings.TrimSpace(q.Get("status"))),
		Limit:          maxSlotPage,
	}
	if query.ConfigID == "" && query.ProfessionalID == "" {
		badRequest(w, "config_id or professional_id is required")
		return
	}
	switch query.Status {
	case "", model.SlotAvailable, model.SlotHeld, model.SlotBooked, model.SlotCancelled:
	default:
		badRequest(w, "unknown status")
		return
	}
	if raw := q.Get("from"); raw != "" {
		t, err := parseInstant("from", raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		query.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := parseInstant("to", raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		query.To = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		query.Limit = min(n, maxSlotPage)
	}

	slots, err := a.store.ListSlots(r.Context(), query)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	items := make([]slotJSON, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotOf(s))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"slots": items})
}
