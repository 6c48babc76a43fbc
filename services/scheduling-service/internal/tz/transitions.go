package tz

import "time"

// Transition is a change of UTC offset. At is the first instant carrying OffsetAfter.
type Transition struct {
	At           time.Time `json:"at"`
	OffsetBefore int       `json:"offset_before_seconds"`
	OffsetAfter  int       `json:"offset_after_seconds"`
	NameBefore   string    `json:"name_before"`
	NameAfter    string    `json:"name_after"`
}

// Delta is positive for spring-forward and negative for fall-back.
func (t Transition) Delta() time.Duration {
	return time.Duration(t.OffsetAfter-t.OffsetBefore) * time.Second
}

const scanStep = 12 * time.Hour

// TransitionsBetween lists offset changes in (from, to], ordered by instant.
func TransitionsBetween(loc *time.Location, from, to time.Time) []Transition {
	var out []Transition
	cur := from
	prevName, prevOff := cur.In(loc).Zone()
	for cur.Before(to) {
		next := cur.Add(scanStep)
		if next.After(to) {
			next = to
		}
		name, off := next.In(loc).Zone()
		if off != prevOff {
			at := bisect(loc, cur, next, prevOff)
			out = append(out, Transition{
				At:           at.In(loc),
				OffsetBefore: prevOff,
				OffsetAfter:  off,
				NameBefore:   prevName,
				NameAfter:    name,
			})
		}
		cur, prevName, prevOff = next, name, off
	}
	return out
}

// TransitionsInYear lists the offset changes during the local calendar year.
func TransitionsInYear(loc *time.Location, year int) []Transition {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
	to := time.Date(year+1, time.January, 1, 0, 0, 0, 0, loc)
	return TransitionsBetween(loc, from, to)
}

// bisect narrows (lo, hi] to the first whole second whose offset differs from loOff.
func bisect(loc *time.Location, lo, hi time.Time, loOff int) time.Time {
	l, h := lo.Unix(), hi.Unix()
	for h-l > 1 {
		mid := l + (h-l)/2
		if offsetAt(time.Unix(mid, 0), loc) == loOff {
			l = mid
		} else {
			h = mid
		}
	}
	return time.Unix(h, 0)
}
