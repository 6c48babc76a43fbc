package tz

import (
	"bufio"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrTimezoneUnrecognized = errors.New("timezone unrecognized")

// Warning is a non-fatal problem with a zone id. It unwraps to ErrTimezoneUnrecognized.
type Warning struct {
	Code     string `json:"code"`
	Zone     string `json:"zone"`
	Fallback string `json:"fallback"`
	Message  string `json:"message"`
}

func (w *Warning) Error() string { return w.Message }

func (w *Warning) Unwrap() error { return ErrTimezoneUnrecognized }

//go:embed zones.txt
var zoneList string

type yearKey struct {
	zone string
	year int
}

// Resolver loads zones by IANA id, caching locations and per-year transition lists.
// Unknown ids resolve to the fallback zone together with a Warning.
type Resolver struct {
	fallback    *time.Location
	locations   *lru.Cache[string, *time.Location]
	transitions *lru.Cache[yearKey, []Transition]

	zonesOnce sync.Once
	zones     []string
}

func NewResolver(fallbackZone string, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	fallback, err := loadZone(fallbackZone)
	if err != nil {
		return nil, fmt.Errorf("fallback zone: %w", err)
	}
	locations, err := lru.New[string, *time.Location](cacheSize)
	if err != nil {
		return nil, err
	}
	transitions, err := lru.New[yearKey, []Transition](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{fallback: fallback, locations: locations, transitions: transitions}, nil
}

func (r *Resolver) Fallback() *time.Location { return r.fallback }

func (r *Resolver) Location(zoneID string) (*time.Location, *Warning) {
	id := strings.TrimSpace(zoneID)
	if loc, ok := r.locations.Get(id); ok {
		return loc, nil
	}
	loc, err := loadZone(id)
	if err != nil {
		return r.fallback, &Warning{
			Code:     "timezone_unrecognized",
			Zone:     id,
			Fallback: r.fallback.String(),
			Message:  fmt.Sprintf("unrecognized timezone %q, using %s", id, r.fallback),
		}
	}
	r.locations.Add(id, loc)
	return loc, nil
}

func (r *Resolver) ToAbsolute(lt LocalTime, zoneID string) (time.Time, Resolution, *Warning) {
	loc, warn := r.Location(zoneID)
	t, res := ToAbsolute(lt, loc)
	return t, res, warn
}

func (r *Resolver) ToLocal(t time.Time, zoneID string) (LocalTime, *Warning) {
	loc, warn := r.Location(zoneID)
	return ToLocal(t, loc), warn
}

func (r *Resolver) IsWithinBusinessHours(t time.Time, zoneID string, hours BusinessHours) (bool, *Warning) {
	loc, warn := r.Location(zoneID)
	return IsWithinBusinessHours(t, loc, hours), warn
}

func (r *Resolver) TransitionsInYear(zoneID string, year int) ([]Transition, *Warning) {
	loc, warn := r.Location(zoneID)
	key := yearKey{zone: loc.String(), year: year}
	if cached, ok := r.transitions.Get(key); ok {
		return cached, warn
	}
	trs := TransitionsInYear(loc, year)
	r.transitions.Add(key, trs)
	return trs, warn
}

func (r *Resolver) AdjustForDSTCrossing(start, end time.Time, wall time.Duration, zoneID string) (time.Time, *Advisory, *Warning) {
	loc, warn := r.Location(zoneID)
	adjusted, adv := AdjustForDSTCrossing(start, end, wall, loc)
	return adjusted, adv, warn
}

// Convert re-expresses an instant in toZone. fromZone is validated but cannot move the instant.
func (r *Resolver) Convert(t time.Time, fromZone, toZone string) (time.Time, []Warning) {
	var warnings []Warning
	if _, warn := r.Location(fromZone); warn != nil {
		warnings = append(warnings, *warn)
	}
	to, warn := r.Location(toZone)
	if warn != nil {
		warnings = append(warnings, *warn)
	}
	return t.In(to), warnings
}

// SupportedZones lists the canonical zone ids this process can load, sorted.
func (r *Resolver) SupportedZones() []string {
	r.zonesOnce.Do(func() {
		sc := bufio.NewScanner(strings.NewReader(zoneList))
		for sc.Scan() {
			id := strings.TrimSpace(sc.Text())
			if id == "" || strings.HasPrefix(id, "#") {
				continue
			}
			if _, err := loadZone(id); err == nil {
				r.zones = append(r.zones, id)
			}
		}
		sort.Strings(r.zones)
	})
	out := make([]string, len(r.zones))
	copy(out, r.zones)
	return out
}

func loadZone(id string) (*time.Location, error) {
	// "" and "Local" are accepted by the runtime but depend on the host.
	if id == "" || id == "Local" {
		return nil, fmt.Errorf("%w: %q", ErrTimezoneUnrecognized, id)
	}
	loc, err := time.LoadLocation(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrTimezoneUnrecognized, id)
	}
	return loc, nil
}
