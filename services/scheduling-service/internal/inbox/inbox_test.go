package inbox

import (
	"context"
	"testing"
)

func TestMemoryClaimOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.Claim(ctx, "evt-1", "calendar.busy.imported.v1")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if ok, _ := m.Claim(ctx, "evt-1", "calendar.busy.imported.v1"); ok {
		t.Fatalf("duplicate claim must be rejected")
	}
	if err := m.Release(ctx, "evt-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := m.Claim(ctx, "evt-1", "calendar.busy.imported.v1"); !ok {
		t.Fatalf("released id must be claimable again")
	}
}
