package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kairos-labs/slotkeeper/libs/httpx"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/tz"
)

func (a *API) ListTimezones(w http.ResponseWriter, r *http.Request) {
	zones := a.zones.SupportedZones()
	if prefix := r.URL.Query().Get("prefix"); prefix != "" {
		filtered := zones[:0]
		for _, z := range zones {
			if strings.HasPrefix(strings.ToLower(z), strings.ToLower(prefix)) {
				filtered = append(filtered, z)
			}
		}
		zones = filtered
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"zones": zones})
}

type convertResponse struct {
	Instant    time.Time    `json:"instant"`
	Local      string       `json:"local"`
	Zone       string       `json:"zone"`
	Offset     int          `json:"offset_seconds"`
	Resolution string       `json:"resolution,omitempty"`
	Warnings   []tz.Warning `json:"warnings,omitempty"`
}

// Convert maps a wall-clock reading to an instant (?local=&zone=) or re-expresses an
// instant in another zone (?instant=&to=[&from=]).
func (a *API) Convert(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("local") != "":
		lt, err := tz.ParseLocalTime(q.Get("local"))
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		zone := q.Get("zone")
		t, res, warn := a.zones.ToAbsolute(lt, zone)
		resp := a.describe(t, zone)
		resp.Resolution = res.String()
		if warn != nil {
			resp.Warnings = append(resp.Warnings, *warn)
		}
		httpx.WriteJSON(w, http.StatusOK, resp)
	case q.Get("instant") != "":
		t, err := parseInstant("instant", q.Get("instant"))
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		to := q.Get("to")
		var warnings []tz.Warning
		converted := t
		if from := q.Get("from"); from != "" {
			converted, warnings = a.zones.Convert(t, from, to)
		} else if _, warn := a.zones.Location(to); warn != nil {
			warnings = append(warnings, *warn)
		}
		resp := a.describe(converted, to)
		resp.Warnings = warnings
		httpx.WriteJSON(w, http.StatusOK, resp)
	default:
		badRequest(w, "either local and zone or instant and to are required")
	}
}

func (a *API) describe(t time.Time, zone string) convertResponse {
	loc, _ := a.zones.Location(zone)
	in := t.In(loc)
	_, off := in.Zone()
	return convertResponse{
		Instant: t.UTC(),
		Local:   tz.LocalTimeOf(in).String(),
		Zone:    loc.String(),
		Offset:  off,
	}
}

func (a *API) Transitions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	zone := q.Get("zone")
	if zone == "" {
		badRequest(w, "zone is required")
		return
	}
	year := a.now().Year()
	if raw := q.Get("year"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1900 || n > 2200 {
			badRequest(w, "year must be between 1900 and 2200")
			return
		}
		year = n
	}
	transitions, warn := a.zones.TransitionsInYear(zone, year)
	resp := map[string]any{"zone": zone, "year": year, "transitions": transitions}
	if transitions == nil {
		resp["transitions"] = []tz.Transition{}
	}
	if warn != nil {
		resp["warnings"] = []tz.Warning{*warn}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
