package tz

import "time"

// Advisory records an interval that was adjusted because it spans an offset change.
type Advisory struct {
	Start       time.Time     `json:"start"`
	OriginalEnd time.Time     `json:"original_end"`
	AdjustedEnd time.Time     `json:"adjusted_end"`
	Shift       time.Duration `json:"shift"`
	Transition  Transition    `json:"transition"`
}

// AdjustForDSTCrossing keeps the elapsed length of [start, end) equal to wall when an offset
// change falls strictly inside it. start and end are the instants of two wall-clock
// readings wall apart; without a crossing end is returned unchanged and the advisory is nil.
func AdjustForDSTCrossing(start, end time.Time, wall time.Duration, loc *time.Location) (time.Time, *Advisory) {
	var crossed *Transition
	for _, tr := range TransitionsBetween(loc, start, end) {
		if tr.At.Before(end) {
			crossed = &tr
			break
		}
	}
	if crossed == nil {
		return end, nil
	}
	adjusted := start.Add(wall)
	return adjusted, &Advisory{
		Start:       start,
		OriginalEnd: end,
		AdjustedEnd: adjusted,
		Shift:       adjusted.Sub(end),
		Transition:  *crossed,
	}
}
