// Package icsimport turns iCalendar busy time into blocked periods.
package icsimport

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/conflict"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/model"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/schederr"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/tz"
)

const defaultMaxOccurrences = 2000

type Options struct {
	ProfessionalID string
	// Window bounds recurrence expansion; only busy time overlapping it is returned.
	Window model.Interval
	// Zone applies to floating times and all-day dates. Empty means the resolver fallback.
	Zone string
}

type Result struct {
	Periods   []model.BlockedPeriod
	Skipped   int
	Truncated []string
	Warnings  []tz.Warning
}

type Importer struct {
	zones          *tz.Resolver
	logger         *slog.Logger
	maxOccurrences int
}

func NewImporter(zones *tz.Resolver, logger *slog.Logger) *Importer {
	return &Importer{zones: zones, logger: logger, maxOccurrences: defaultMaxOccurrences}
}

type event struct {
	uid        string
	summary    string
	start      time.Time
	end        time.Time
	allDay     bool
	rrule      string
	exdates    []time.Time
	recurrence *time.Time
}

// Import parses body and returns one blocked period per busy occurrence. Events marked
// TRANSP:TRANSPARENT or STATUS:CANCELLED do not block time. Recurring occurrences get an
// external id of UID plus the occurrence start so re-imports update rows in place.
func (im *Importer) Import(body []byte, opts Options) (Result, error) {
	var res Result
	if len(bytes.TrimSpace(body)) == 0 {
		return res, fmt.Errorf("%w: empty calendar body", schederr.ErrInvalidArgument)
	}
	if opts.ProfessionalID == "" {
		return res, fmt.Errorf("%w: professional id is required", schederr.ErrInvalidArgument)
	}
	if !opts.Window.Valid() {
		return res, fmt.Errorf("%w: import window must have start before end", schederr.ErrInvalidArgument)
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("%w: parse calendar: %v", schederr.ErrInvalidArgument, err)
	}

	zone := opts.Zone
	if zone == "" {
		zone = im.zones.Fallback().String()
	}
	loc, warn := im.zones.Location(zone)
	if warn != nil {
		res.Warnings = append(res.Warnings, *warn)
	}

	var base, overrides []event
	for _, ve := range cal.Events() {
		if !blocksTime(ve) {
			continue
		}
		ev, err := im.parseEvent(ve, loc, &res)
		if err != nil {
			im.logger.Warn("skipping calendar event", "err", err)
			res.Skipped++
			continue
		}
		if ev.recurrence != nil {
			overrides = append(overrides, ev)
		} else {
			base = append(base, ev)
		}
	}

	// An override replaces the base occurrence it names.
	replaced := map[string][]time.Time{}
	for _, o := range overrides {
		replaced[o.uid] = append(replaced[o.uid], *o.recurrence)
	}

	for _, ev := range base {
		if ev.rrule == "" {
			im.add(&res, opts, ev.uid, ev)
			continue
		}
		ev.exdates = append(ev.exdates, replaced[ev.uid]...)
		occ, truncated, err := im.expand(ev, loc, opts.Window)
		if err != nil {
			im.logger.Warn("skipping recurring event", "uid", ev.uid, "err", err)
			res.Skipped++
			continue
		}
		if truncated {
			res.Truncated = append(res.Truncated, ev.uid)
		}
		for _, o := range occ {
			im.add(&res, opts, occurrenceID(ev.uid, o.start), o)
		}
	}
	for _, o := range overrides {
		im.add(&res, opts, occurrenceID(o.uid, *o.recurrence), o)
	}

	sort.Slice(res.Periods, func(i, j int) bool {
		if res.Periods[i].Start.Equal(res.Periods[j].Start) {
			return res.Periods[i].ExternalID < res.Periods[j].ExternalID
		}
		return res.Periods[i].Start.Before(res.Periods[j].Start)
	})
	return res, nil
}

func (im *Importer) add(res *Result, opts Options, externalID string, ev event) {
	span := model.Interval{Start: ev.start.UTC(), End: ev.end.UTC()}
	if !span.Valid() || !conflict.Overlaps(span, opts.Window) {
		return
	}
	reason := ev.summary
	if reason == "" {
		reason = "imported busy time"
	}
	res.Periods = append(res.Periods, model.BlockedPeriod{
		ProfessionalID: opts.ProfessionalID,
		Start:          span.Start,
		End:            span.End,
		Reason:         reason,
		Active:         true,
		Source:         model.BlockImport,
		ExternalID:     externalID,
	})
}

func (im *Importer) expand(ev event, loc *time.Location, window model.Interval) ([]event, bool, error) {
	r, err := rrule.StrToRRule(ev.rrule)
	if err != nil {
		return nil, false, err
	}
	r.DTStart(ev.start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.exdates {
		set.ExDate(ex.In(ev.start.Location()))
	}

	dur := ev.end.Sub(ev.start)
	// Widen the lower bound so occurrences already running at window start are kept.
	times := set.Between(window.Start.Add(-dur).In(ev.start.Location()), window.End.In(ev.start.Location()), true)
	truncated := false
	if len(times) > im.maxOccurrences {
		times = times[:im.maxOccurrences]
		truncated = true
	}

	out := make([]event, 0, len(times))
	for _, start := range times {
		o := ev
		o.start = start
		if ev.allDay {
			days := int(tz.DateOf(ev.end.In(loc)).UTCMidnight().Sub(tz.DateOf(ev.start.In(loc)).UTCMidnight()) / (24 * time.Hour))
			o.end, _ = tz.ToAbsolute(tz.NewLocalTime(tz.DateOf(start.In(loc)).AddDays(days), tz.Clock{}), loc)
		} else {
			o.end = start.Add(dur)
		}
		out = append(out, o)
	}
	return out, truncated, nil
}

func (im *Importer) parseEvent(ve *ical.VEvent, loc *time.Location, res *Result) (event, error) {
	var ev event
	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return ev, fmt.Errorf("event without UID")
	}
	ev.uid = uid.Value
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.summary = p.Value
	}

	dtstart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtstart == nil {
		return ev, fmt.Errorf("event %s without DTSTART", ev.uid)
	}
	var err error
	ev.start, ev.allDay, err = im.parseTime(dtstart.Value, dtstart.ICalParameters, loc, res)
	if err != nil {
		return ev, fmt.Errorf("event %s: %w", ev.uid, err)
	}

	switch dtend, dur := ve.GetProperty(ical.ComponentPropertyDtEnd), ve.GetProperty(ical.ComponentPropertyDuration); {
	case dtend != nil:
		ev.end, _, err = im.parseTime(dtend.Value, dtend.ICalParameters, loc, res)
		if err != nil {
			return ev, fmt.Errorf("event %s: %w", ev.uid, err)
		}
	case dur != nil:
		d, err := parseDuration(dur.Value)
		if err != nil {
			return ev, fmt.Errorf("event %s: %w", ev.uid, err)
		}
		ev.end = ev.start.Add(d)
	case ev.allDay:
		ev.end, _ = tz.ToAbsolute(tz.NewLocalTime(tz.DateOf(ev.start.In(loc)).AddDays(1), tz.Clock{}), loc)
	default:
		ev.end = ev.start
	}
	if !ev.end.After(ev.start) {
		return ev, fmt.Errorf("event %s has no duration", ev.uid)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.rrule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			if t, _, err := im.parseTime(part, p.ICalParameters, loc, res); err == nil {
				ev.exdates = append(ev.exdates, t)
			}
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		t, _, err := im.parseTime(p.Value, p.ICalParameters, loc, res)
		if err != nil {
			return ev, fmt.Errorf("event %s: recurrence id: %w", ev.uid, err)
		}
		ev.recurrence = &t
	}
	return ev, nil
}

// parseTime reads DATE, UTC DATE-TIME and zoned or floating DATE-TIME values. Zoned wall
// times go through the same gap and overlap resolution as slot generation.
func (im *Importer) parseTime(value string, params map[string][]string, loc *time.Location, res *Result) (time.Time, bool, error) {
	v := strings.TrimSpace(value)
	if len(v) == 8 || hasParam(params, "VALUE", "DATE") {
		t, err := time.Parse("20060102", v)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid date %q", v)
		}
		abs, _ := tz.ToAbsolute(tz.NewLocalTime(tz.DateOf(t), tz.Clock{}), loc)
		return abs, true, nil
	}
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid time %q", v)
		}
		return t, false, nil
	}
	wall, err := time.Parse("20060102T150405", v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid time %q", v)
	}
	zoneLoc := loc
	if ids := params["TZID"]; len(ids) > 0 && ids[0] != "" {
		var warn *tz.Warning
		zoneLoc, warn = im.zones.Location(ids[0])
		if warn != nil {
			res.Warnings = append(res.Warnings, *warn)
		}
	}
	abs, _ := tz.ToAbsolute(tz.LocalTimeOf(wall), zoneLoc)
	return abs, false, nil
}

func blocksTime(ve *ical.VEvent) bool {
	if p := ve.GetProperty(ical.ComponentPropertyTransp); p != nil && strings.EqualFold(p.Value, "TRANSPARENT") {
		return false
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
		return false
	}
	return true
}

func hasParam(params map[string][]string, key, want string) bool {
	for _, v := range params[key] {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func occurrenceID(uid string, start time.Time) string {
	return uid + "/" + start.UTC().Format("20060102T150405Z")
}

// parseDuration reads the RFC 5545 dur-value subset used by calendar exports:
// P[n]W or P[n]D followed by an optional T[n]H[n]M[n]S part.
func parseDuration(s string) (time.Duration, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	neg := strings.HasPrefix(v, "-")
	v = strings.TrimLeft(v, "+-")
	if !strings.HasPrefix(v, "P") || len(v) < 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	var total time.Duration
	inTime := false
	num := ""
	for _, r := range v[1:] {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9':
			num += string(r)
		default:
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			num = ""
			unit, ok := durationUnit(r, inTime)
			if !ok {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			total += time.Duration(n) * unit
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if neg {
		total = -total
	}
	return total, nil
}

func durationUnit(r rune, inTime bool) (time.Duration, bool) {
	switch {
	case !inTime && r == 'W':
		return 7 * 24 * time.Hour, true
	case !inTime && r == 'D':
		return 24 * time.Hour, true
	case inTime && r == 'H':
		return time.Hour, true
	case inTime && r == 'M':
		return time.Minute, true
	case inTime && r == 'S':
		return time.Second, true
	}
	return 0, false
}
