package tz

import (
	"fmt"
	"strings"
	"time"
)

const (
	dateLayout      = "2006-01-02"
	clockLayout     = "15:04"
	localTimeLayout = "2006-01-02T15:04"
)

// Date is a civil calendar date with no zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// DateOf returns the date t reads as in its own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// UTCMidnight is the date as midnight UTC, used for calendar arithmetic.
func (d Date) UTCMidnight() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

func (d Date) Weekday() time.Weekday { return d.UTCMidnight().Weekday() }

func (d Date) Before(o Date) bool { return d.UTCMidnight().Before(o.UTCMidnight()) }

func (d Date) After(o Date) bool { return d.UTCMidnight().After(o.UTCMidnight()) }

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Clock is a wall-clock time of day at minute precision. 24:00 is allowed as an end of day.
type Clock struct {
	Hour   int
	Minute int
}

func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	if s == "24:00" {
		return Clock{Hour: 24}, nil
	}
	t, err := time.Parse(clockLayout, s)
	if err != nil {
		return Clock{}, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

func (c Clock) Offset() time.Duration { return time.Duration(c.Minutes()) * time.Minute }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c Clock) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Clock) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// LocalTime is a wall-clock reading without a zone. It is stored as the equivalent
// UTC reading so that arithmetic never observes an offset change.
type LocalTime struct {
	wall time.Time
}

func NewLocalTime(d Date, c Clock) LocalTime {
	return LocalTime{wall: d.UTCMidnight().Add(c.Offset())}
}

// LocalTimeOf returns the wall-clock reading of t in its own location.
func LocalTimeOf(t time.Time) LocalTime {
	return LocalTime{wall: time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)}
}

func ParseLocalTime(s string) (LocalTime, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{localTimeLayout, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return LocalTime{wall: t}, nil
		}
	}
	return LocalTime{}, fmt.Errorf("invalid local time %q", s)
}

func (lt LocalTime) Date() Date { return DateOf(lt.wall) }

func (lt LocalTime) Clock() Clock { return Clock{Hour: lt.wall.Hour(), Minute: lt.wall.Minute()} }

func (lt LocalTime) Add(d time.Duration) LocalTime { return LocalTime{wall: lt.wall.Add(d)} }

func (lt LocalTime) Sub(o LocalTime) time.Duration { return lt.wall.Sub(o.wall) }

func (lt LocalTime) Before(o LocalTime) bool { return lt.wall.Before(o.wall) }

func (lt LocalTime) After(o LocalTime) bool { return lt.wall.After(o.wall) }

func (lt LocalTime) Equal(o LocalTime) bool { return lt.wall.Equal(o.wall) }

func (lt LocalTime) IsZero() bool { return lt.wall.IsZero() }

func (lt LocalTime) String() string {
	if lt.wall.Second() != 0 {
		return lt.wall.Format("2006-01-02T15:04:05")
	}
	return lt.wall.Format(localTimeLayout)
}

func (lt LocalTime) MarshalText() ([]byte, error) { return []byte(lt.String()), nil }

func (lt *LocalTime) UnmarshalText(b []byte) error {
	parsed, err := ParseLocalTime(string(b))
	if err != nil {
		return err
	}
	*lt = parsed
	return nil
}
