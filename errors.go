package vulntrail

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel error kinds. Callers match these with errors.Is; call sites
// wrap them with context using errors.Wrap.
var (
	// An observed host is missing its IP address. Fatal for that
	// single record only, never for the batch.
	ErrMissingRequiredAttribute = errors.New("missing required attribute")

	// A finding cannot be attributed to an (asset, vulnerability) pair.
	// Dropping it silently would corrupt the remediation lineage, so it
	// is surfaced instead.
	ErrMalformedFindingKey = errors.New("malformed finding key")

	// Two fingerprints claim the same hardware within one scan session.
	// Never auto-merged.
	ErrIdentityConflict = errors.New("identity conflict")

	// An aggregate has no qualifying data or a zero denominator.
	// Represented explicitly so it is never mistaken for zero.
	ErrUndefinedMetric = errors.New("undefined metric")

	// The same report file (by content hash) was already ingested.
	ErrDuplicateScanFile = errors.New("scan file already ingested")
)

// RecordError ties an isolated per-record failure to the identifier of
// the record that produced it. Batches continue past these; the list is
// returned alongside the successful results.
type RecordError struct {
	// Ref identifies the failed record, e.g. a hostname, an IP, or an
	// "ip/plugin" pair.
	Ref string
	Err error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("%s: %v", e.Ref, e.Err)
}

func (e RecordError) Unwrap() error {
	return e.Err
}
