package vulntrail

import (
	"testing"
	"time"
)

var (
	day0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	day7 = day0.AddDate(0, 0, 7)
)

func mkFinding(asset, vuln uint, status RemediationStatus, seen time.Time) *Finding {
	return &Finding{
		AssetID:         asset,
		VulnerabilityID: vuln,
		Port:            443,
		Protocol:        "tcp",
		Status:          status,
		FirstSeen:       seen,
		LastSeen:        seen,
		ScanDate:        seen,
	}
}

type diffTester struct {
	current  []*Finding
	previous []*Finding
	expect   map[FindingKey]RemediationStatus
	errs     int
}

func (t *diffTester) runTest(test *testing.T, name string) {
	out, recErrs := Diff(t.current, t.previous, day7)

	if len(recErrs) != t.errs {
		test.Errorf("[%s] expected %d record errors, got %d: %v", name, t.errs, len(recErrs), recErrs)
	}

	got := make(map[FindingKey]RemediationStatus, len(out))
	for _, f := range out {
		if _, dup := got[f.Key()]; dup {
			test.Errorf("[%s] key %v appears more than once", name, f.Key())
		}
		got[f.Key()] = f.Status
	}

	if len(got) != len(t.expect) {
		test.Errorf("[%s] expected %d keys, got %d", name, len(t.expect), len(got))
	}
	for key, status := range t.expect {
		if got[key] != status {
			test.Errorf("[%s] key %v: expected %s, got %q", name, key, status, got[key])
		}
	}
}

var diffTests = map[string]*diffTester{
	"first-sighting": {
		current: []*Finding{mkFinding(1, 1, StatusOpen, day7)},
		expect:  map[FindingKey]RemediationStatus{{1, 1}: StatusOpen},
	},
	"still-open-not-reflagged": {
		current:  []*Finding{mkFinding(1, 1, StatusOpen, day7)},
		previous: []*Finding{mkFinding(1, 1, StatusOpen, day0)},
		expect:   map[FindingKey]RemediationStatus{{1, 1}: StatusOpen},
	},
	"reopened-stays-open-set": {
		current:  []*Finding{mkFinding(1, 1, StatusOpen, day7)},
		previous: []*Finding{mkFinding(1, 1, StatusReopened, day0)},
		expect:   map[FindingKey]RemediationStatus{{1, 1}: StatusOpen},
	},
	"disappeared-remediated": {
		previous: []*Finding{mkFinding(1, 1, StatusOpen, day0)},
		expect:   map[FindingKey]RemediationStatus{{1, 1}: StatusRemediated},
	},
	"reopening": {
		current:  []*Finding{mkFinding(1, 1, StatusOpen, day7)},
		previous: []*Finding{mkFinding(1, 1, StatusRemediated, day0)},
		expect:   map[FindingKey]RemediationStatus{{1, 1}: StatusReopened},
	},
	"remediated-stays-closed": {
		previous: []*Finding{mkFinding(1, 1, StatusRemediated, day0)},
		expect:   map[FindingKey]RemediationStatus{},
	},
	"mixed-lineages": {
		previous: []*Finding{
			mkFinding(1, 1, StatusOpen, day0),
			mkFinding(1, 2, StatusOpen, day0),
		},
		current: []*Finding{
			mkFinding(1, 1, StatusOpen, day7),
			mkFinding(1, 3, StatusOpen, day7),
		},
		expect: map[FindingKey]RemediationStatus{
			{1, 1}: StatusOpen,
			{1, 2}: StatusRemediated,
			{1, 3}: StatusOpen,
		},
	},
	"malformed-keys-isolated": {
		current: []*Finding{
			mkFinding(0, 1, StatusOpen, day7),
			mkFinding(1, 1, StatusOpen, day7),
		},
		previous: []*Finding{mkFinding(2, 0, StatusOpen, day0)},
		expect:   map[FindingKey]RemediationStatus{{1, 1}: StatusOpen},
		errs:     2,
	},
}

func TestDiff(t *testing.T) {
	for name, cfg := range diffTests {
		cfg.runTest(t, name)
	}
}

func TestDiffSynthesizedRecord(t *testing.T) {
	prev := mkFinding(4, 9, StatusOpen, day0)
	prev.Model.ID = 77
	prev.Service = "https"

	out, recErrs := Diff(nil, []*Finding{prev}, day7)
	if len(recErrs) != 0 {
		t.Fatalf("unexpected record errors: %v", recErrs)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 synthesized record, got %d", len(out))
	}

	closed := out[0]
	if closed.Status != StatusRemediated {
		t.Errorf("expected remediated, got %s", closed.Status)
	}
	if closed.Model.ID != 0 {
		t.Errorf("synthesized record must be a new row, got id %d", closed.Model.ID)
	}
	if closed.RemediatedAt == nil || !closed.RemediatedAt.Equal(day7) {
		t.Errorf("expected remediation timestamp %v, got %v", day7, closed.RemediatedAt)
	}
	// copied, not re-measured
	if closed.Service != "https" || closed.Port != 443 || !closed.FirstSeen.Equal(day0) {
		t.Errorf("synthesized record mutated previous data: %+v", closed)
	}
	if prev.Status != StatusOpen {
		t.Errorf("input record mutated: %s", prev.Status)
	}
}

func TestDiffFirstSeenNeverAdvances(t *testing.T) {
	prev := mkFinding(1, 1, StatusOpen, day0)
	cur := mkFinding(1, 1, StatusOpen, day7)

	out, _ := Diff([]*Finding{cur}, []*Finding{prev}, day7)
	if len(out) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out))
	}
	if !out[0].FirstSeen.Equal(day0) {
		t.Errorf("first_seen advanced: %v", out[0].FirstSeen)
	}
	if !out[0].LastSeen.Equal(day7) {
		t.Errorf("last_seen did not advance: %v", out[0].LastSeen)
	}
}
