package tz

import "time"

// Resolution reports how a wall-clock reading mapped onto the timeline.
type Resolution int

const (
	Exact Resolution = iota
	// Nonexistent readings fall inside a spring-forward gap.
	Nonexistent
	// Ambiguous readings occur twice around a fall-back transition.
	Ambiguous
)

func (r Resolution) String() string {
	switch r {
	case Nonexistent:
		return "nonexistent"
	case Ambiguous:
		return "ambiguous"
	default:
		return "exact"
	}
}

// offsetProbe must exceed the longest gap or overlap in the zone database.
const offsetProbe = 36 * time.Hour

// ToAbsolute maps a wall-clock reading in loc to an instant.
//
// A reading inside a spring-forward gap is resolved with the offset in effect before the
// gap, which lands it after the gap by the gap length. An ambiguous reading resolves to
// the earlier of its two instants.
func ToAbsolute(lt LocalTime, loc *time.Location) (time.Time, Resolution) {
	naive := lt.wall
	before := offsetAt(naive.Add(-offsetProbe), loc)
	after := offsetAt(naive.Add(offsetProbe), loc)

	offsets := []int{before}
	if after != before {
		offsets = append(offsets, after)
	}

	var matches []time.Time
	for _, off := range offsets {
		u := naive.Add(-time.Duration(off) * time.Second)
		if LocalTimeOf(u.In(loc)).Equal(lt) {
			matches = append(matches, u)
		}
	}

	switch len(matches) {
	case 0:
		return naive.Add(-time.Duration(before) * time.Second).In(loc), Nonexistent
	case 1:
		return matches[0].In(loc), Exact
	default:
		earliest := matches[0]
		for _, m := range matches[1:] {
			if m.Before(earliest) {
				earliest = m
			}
		}
		return earliest.In(loc), Ambiguous
	}
}

// ToLocal returns the wall-clock reading of t in loc.
func ToLocal(t time.Time, loc *time.Location) LocalTime {
	return LocalTimeOf(t.In(loc))
}

func offsetAt(t time.Time, loc *time.Location) int {
	_, off := t.In(loc).Zone()
	return off
}

// FixedAt returns a fixed zone carrying the offset loc uses at local noon of d.
func FixedAt(loc *time.Location, d Date) *time.Location {
	noon := time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, loc)
	name, off := noon.Zone()
	return time.FixedZone(name, off)
}
