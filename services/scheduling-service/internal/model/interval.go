package model

import "time"

// Interval is a half-open range [Start, End) of absolute instants.
type Interval struct {
	Start time.Time
	End   time.Time
}

func (iv Interval) Valid() bool { return iv.End.After(iv.Start) }

func (iv Interval) Duration() time.Duration { return iv.End.Sub(iv.Start) }
