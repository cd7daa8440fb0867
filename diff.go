package vulntrail

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Diff compares the findings observed in the current scan against the
// lineage heads as of the previous scan of the same scope, and derives
// the remediation status of every (asset, vulnerability) lineage.
//
// previous holds the most recent persisted record per lineage key, any
// status. Per key:
//
//   - in current, no previous record, or previous open/reopened: open
//   - in current, previous record remediated: reopened
//   - not in current, previous open/reopened: a new record is
//     synthesized from the previous one with status remediated
//   - not in current, previous remediated: nothing, the lineage is
//     already closed
//
// Status is recomputed from the diff on every run; nothing transitions
// by command. The function is pure with respect to both input sets and
// performs no I/O. scanDate stamps the remediation timestamp on
// synthesized records.
//
// Records missing their lineage key are not dropped: each one comes
// back in the error list so the caller can report it.
func Diff(current, previous []*Finding, scanDate time.Time) ([]*Finding, []RecordError) {
	var recErrs []RecordError

	prev := make(map[FindingKey]*Finding, len(previous))
	for _, f := range previous {
		if f.AssetID == 0 || f.VulnerabilityID == 0 {
			recErrs = append(recErrs, RecordError{
				Ref: findingRef(f),
				Err: errors.Wrap(ErrMalformedFindingKey, "previous set"),
			})
			continue
		}
		prev[f.Key()] = f
	}

	out := make([]*Finding, 0, len(current))
	seen := make(map[FindingKey]bool, len(current))

	for _, f := range current {
		if f.AssetID == 0 || f.VulnerabilityID == 0 {
			recErrs = append(recErrs, RecordError{
				Ref: findingRef(f),
				Err: errors.Wrap(ErrMalformedFindingKey, "current scan"),
			})
			continue
		}

		key := f.Key()
		seen[key] = true

		f.Status = StatusOpen
		if p, ok := prev[key]; ok {
			// FirstSeen never moves forward once a lineage exists.
			f.FirstSeen = p.FirstSeen
			if p.Status == StatusRemediated {
				// Reopening applies only after a confirmed
				// remediation. A lineage that stayed open is
				// not re-flagged.
				f.Status = StatusReopened
			}
		}
		out = append(out, f)
	}

	// Close out lineages that disappeared. The synthesized record is a
	// copy of the previous one with only the status flipped and the
	// remediation timestamp set: remediation is discovered, not
	// re-measured.
	for key, p := range prev {
		if seen[key] {
			continue
		}
		if p.Status == StatusRemediated {
			continue
		}

		closed := *p
		closed.Model.ID = 0
		closed.CreatedAt = time.Time{}
		closed.UpdatedAt = time.Time{}
		closed.Status = StatusRemediated
		at := scanDate
		closed.RemediatedAt = &at
		out = append(out, &closed)
	}

	return out, recErrs
}

func findingRef(f *Finding) string {
	return fmt.Sprintf("asset=%d plugin=%d", f.AssetID, f.VulnerabilityID)
}
