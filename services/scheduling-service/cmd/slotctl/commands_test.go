package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("SETTINGS_FILE", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestZonesPrefix(t *testing.T) {
	out, err := run(t, "zones", "--prefix", "Europe/Ber")
	if err != nil {
		t.Fatalf("zones: %v", err)
	}
	if strings.TrimSpace(out) != "Europe/Berlin" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestConvertGapReading(t *testing.T) {
	out, err := run(t, "convert", "--local", "2024-03-10T02:30", "--zone", "America/New_York")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !strings.Contains(out, "2024-03-10T07:30:00Z") || !strings.Contains(out, "nonexistent") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestConvertInstant(t *testing.T) {
	out, err := run(t, "convert", "--instant", "2024-07-01T12:00:00Z", "--to", "Asia/Tokyo")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !strings.Contains(out, "2024-07-01T21:00:00+09:00") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := run(t, "convert"); err == nil {
		t.Fatalf("expected error without input")
	}
}

func TestTransitions(t *testing.T) {
	out, err := run(t, "transitions", "--zone", "Europe/London", "--year", "2024")
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if !strings.Contains(out, "2024-03-31T01:00:00Z") || !strings.Contains(out, "2024-10-27T01:00:00Z") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestExpandConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `professional_id: pro-1
recurrence:
  kind: weekly
  weekdays: [mon, wed]
start_time: "09:00"
end_time: "11:00"
slot_duration_minutes: 30
timezone: Europe/Berlin
valid_from: "2024-03-04"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := run(t, "expand", "-f", path, "--days", "7")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	// Monday and Wednesday, four half-hour slots each.
	if !strings.Contains(out, "8 slots") || !strings.Contains(out, "2024-03-04T08:00:00Z") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestExpandRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "professional_id: pro-1\nrecurrence: {kind: daily}\nstart_time: \"17:00\"\nend_time: \"09:00\"\nslot_duration_minutes: 30\ntimezone: UTC\nvalid_from: \"2024-03-04\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := run(t, "expand", "-f", path); err == nil {
		t.Fatalf("expected validation error")
	}
}
