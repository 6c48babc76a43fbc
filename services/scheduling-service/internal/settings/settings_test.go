package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.MaxRange() != 45*24*time.Hour || s.HorizonDays != 14 || s.DefaultZone != "UTC" {
		t.Fatalf("unexpected defaults %+v", s)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	body := "default_zone: Europe/Berlin\nhorizon_days: 7\noutbox_poll_every: 5s\nregen_schedule: \"*/10 * * * *\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("HORIZON_DAYS", "21")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.DefaultZone != "Europe/Berlin" || s.OutboxPollEvery != 5*time.Second || s.RegenSchedule != "*/10 * * * *" {
		t.Fatalf("file values not applied: %+v", s)
	}
	if s.HorizonDays != 21 {
		t.Fatalf("env must override file, got %d", s.HorizonDays)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	s := Defaults()
	s.DefaultZone = "Mars/Olympus"
	s.HorizonDays = 60
	s.RegenSchedule = "every hour"
	err := s.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"default_zone", "horizon_days", "regen_schedule"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}
