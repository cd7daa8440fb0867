package test

import (
	"testing"

	"github.com/vulntrail"
)

// The identity must outlive hostname churn: same IP and MAC under two
// different hostnames is one asset.
func TestIdentityStableUnderHostnameChurn(t *testing.T) {
	ids := makeStores().Identities()

	first := labHost()
	second := labHost()
	second.Hostname = "web-01-renamed"

	fp1, err := first.Fingerprint()
	if err != nil {
		t.Fatalf("failed to fingerprint: %v", err)
	}
	fp2, err := second.Fingerprint()
	if err != nil {
		t.Fatalf("failed to fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("fingerprints diverged: %q vs %q", fp1, fp2)
	}

	later := scanDay.AddDate(0, 0, 7)

	a1, err := ids.Resolve(first, fp1, 1, scanDay)
	if err != nil {
		t.Fatalf("failed to resolve first observation: %v", err)
	}
	a2, err := ids.Resolve(second, fp2, 2, later)
	if err != nil {
		t.Fatalf("failed to resolve second observation: %v", err)
	}

	if a1.ID != a2.ID {
		t.Fatalf("expected one identity, got %d and %d", a1.ID, a2.ID)
	}
	if a2.Hostname != "web-01-renamed" {
		t.Errorf("snapshot not updated: %q", a2.Hostname)
	}
	if !a2.LastSeen.Equal(later) {
		t.Errorf("last_seen not advanced: %v", a2.LastSeen)
	}
	if !a2.FirstSeen.Equal(scanDay) {
		t.Errorf("first_seen moved: %v", a2.FirstSeen)
	}

	changes, err := ids.History(a1.ID)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change record, got %d", len(changes))
	}
	if changes[0].Field != "hostname" || changes[0].OldValue != "web-01" || changes[0].NewValue != "web-01-renamed" {
		t.Errorf("unexpected change record: %+v", changes[0])
	}
}

func TestIdentityEmptyValuesNeverErase(t *testing.T) {
	ids := makeStores().Identities()

	first := labHost()
	fp, err := first.Fingerprint()
	if err != nil {
		t.Fatalf("failed to fingerprint: %v", err)
	}
	if _, err := ids.Resolve(first, fp, 1, scanDay); err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}

	partial := labHost()
	partial.Hostname = ""
	partial.OperatingSystem = ""

	a, err := ids.Resolve(partial, fp, 2, scanDay.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("failed to resolve partial observation: %v", err)
	}
	if a.Hostname != "web-01" || a.OperatingSystem != "Ubuntu 22.04" {
		t.Errorf("partial observation erased snapshot: %+v", a)
	}

	changes, err := ids.History(a.ID)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("expected no change records, got %d", len(changes))
	}
}

func TestIdentityExternalNeverRevoked(t *testing.T) {
	ids := makeStores().Identities()

	first := labHost()
	first.External = true
	fp, err := first.Fingerprint()
	if err != nil {
		t.Fatalf("failed to fingerprint: %v", err)
	}
	if _, err := ids.Resolve(first, fp, 1, scanDay); err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}

	// a later report omitting the flag must not demote the asset
	a, err := ids.Resolve(labHost(), fp, 2, scanDay.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if !a.External {
		t.Error("external flag revoked by a report omitting it")
	}
}

func TestDeactivateStale(t *testing.T) {
	ids := makeStores().Identities()

	old := labHost()
	fresh := vulntrail.Observation{IPAddress: "10.0.0.9", AssetType: "host"}

	oldFP, _ := old.Fingerprint()
	freshFP, _ := fresh.Fingerprint()

	if _, err := ids.Resolve(old, oldFP, 1, scanDay.AddDate(0, 0, -120)); err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if _, err := ids.Resolve(fresh, freshFP, 1, scanDay); err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}

	n, err := ids.DeactivateStale(scanDay.AddDate(0, 0, -90))
	if err != nil {
		t.Fatalf("failed to deactivate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deactivation, got %d", n)
	}

	active, err := ids.ListActive()
	if err != nil {
		t.Fatalf("failed to list active: %v", err)
	}
	if len(active) != 1 || active[0].Fingerprint != freshFP {
		t.Errorf("wrong asset deactivated: %+v", active)
	}

	// never hard-deleted
	stale, err := ids.Get(1)
	if err != nil || stale == nil {
		t.Fatalf("stale asset disappeared: %v", err)
	}
}
