// Package settings holds the engine knobs: defaults, then an optional YAML file, then
// environment overrides.
package settings

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kairos-labs/slotkeeper/libs/config"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	DefaultZone     string        `yaml:"default_zone"`
	MaxRangeDays    int           `yaml:"max_range_days"`
	HorizonDays     int           `yaml:"horizon_days"`
	RegenSchedule   string        `yaml:"regen_schedule"`
	ZoneCacheSize   int           `yaml:"zone_cache_size"`
	OutboxPollEvery time.Duration `yaml:"outbox_poll_every"`
	OutboxBatchSize int           `yaml:"outbox_batch_size"`
	BookingRateMax  int           `yaml:"booking_rate_limit"`
	BookingRateWin  time.Duration `yaml:"booking_rate_window"`
}

func Defaults() Settings {
	return Settings{
		DefaultZone:     "UTC",
		MaxRangeDays:    45,
		HorizonDays:     14,
		RegenSchedule:   "15 * * * *",
		ZoneCacheSize:   256,
		OutboxPollEvery: 2 * time.Second,
		OutboxBatchSize: 50,
		BookingRateMax:  30,
		BookingRateWin:  time.Minute,
	}
}

func (s Settings) MaxRange() time.Duration {
	return time.Duration(s.MaxRangeDays) * 24 * time.Hour
}

// Load reads path when it is non-empty and applies env overrides on top.
func Load(path string) (Settings, error) {
	s := Defaults()
	if path != "" {
		body, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read settings: %w", err)
		}
		if err := yaml.Unmarshal(body, &s); err != nil {
			return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
		}
	}
	if err := s.applyEnv(); err != nil {
		return Settings{}, err
	}
	return s, s.Validate()
}

func (s *Settings) applyEnv() error {
	var err error
	s.DefaultZone = config.String("SCHEDULING_DEFAULT_ZONE", s.DefaultZone)
	s.RegenSchedule = config.String("REGEN_SCHEDULE", s.RegenSchedule)
	if s.MaxRangeDays, err = config.Int("MAX_RANGE_DAYS", s.MaxRangeDays); err != nil {
		return err
	}
	if s.HorizonDays, err = config.Int("HORIZON_DAYS", s.HorizonDays); err != nil {
		return err
	}
	if s.ZoneCacheSize, err = config.Int("ZONE_CACHE_SIZE", s.ZoneCacheSize); err != nil {
		return err
	}
	if s.OutboxPollEvery, err = config.Duration("OUTBOX_POLL_EVERY", s.OutboxPollEvery); err != nil {
		return err
	}
	if s.OutboxBatchSize, err = config.Int("OUTBOX_BATCH_SIZE", s.OutboxBatchSize); err != nil {
		return err
	}
	if s.BookingRateMax, err = config.Int("BOOKING_RATE_LIMIT", s.BookingRateMax); err != nil {
		return err
	}
	if s.BookingRateWin, err = config.Duration("BOOKING_RATE_WINDOW", s.BookingRateWin); err != nil {
		return err
	}
	return nil
}

func (s Settings) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(s.DefaultZone); err != nil || s.DefaultZone == "Local" {
		errs = append(errs, fmt.Errorf("default_zone %q is not an IANA zone", s.DefaultZone))
	}
	if s.MaxRangeDays < 2 {
		errs = append(errs, fmt.Errorf("max_range_days must be at least 2 (got %d)", s.MaxRangeDays))
	}
	if s.HorizonDays < 1 || s.HorizonDays > s.MaxRangeDays-2 {
		errs = append(errs, fmt.Errorf("horizon_days must be between 1 and max_range_days-2 (got %d)", s.HorizonDays))
	}
	if s.RegenSchedule != "" {
		if _, err := cron.ParseStandard(s.RegenSchedule); err != nil {
			errs = append(errs, fmt.Errorf("regen_schedule: %w", err))
		}
	}
	if s.OutboxPollEvery <= 0 || s.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("outbox poll interval and batch size must be positive"))
	}
	if s.BookingRateMax <= 0 || s.BookingRateWin <= 0 {
		errs = append(errs, errors.New("booking rate limit and window must be positive"))
	}
	return errors.Join(errs...)
}
