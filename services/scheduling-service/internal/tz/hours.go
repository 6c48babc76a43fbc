package tz

import "time"

// Window is a half-open wall-clock range [Open, Close).
type Window struct {
	Open  Clock `json:"open"`
	Close Clock `json:"close"`
}

// BusinessHours maps a local weekday to its open windows.
type BusinessHours map[time.Weekday][]Window

func IsWithinBusinessHours(t time.Time, loc *time.Location, hours BusinessHours) bool {
	local := t.In(loc)
	secs := local.Hour()*3600 + local.Minute()*60 + local.Second()
	for _, w := range hours[local.Weekday()] {
		if secs >= w.Open.Minutes()*60 && secs < w.Close.Minutes()*60 {
			return true
		}
	}
	return false
}
