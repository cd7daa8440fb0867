package vulntrail

import (
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// Observation is one host exactly as a single scan reported it.
// Ephemeral: consumed by the fingerprint resolver and the identity
// store, then discarded. Only the derived Asset persists.
type Observation struct {
	Hostname        string
	IPAddress       string
	MACAddress      string
	OperatingSystem string
	OSVersion       string

	FQDN            string
	CloudInstanceID string
	External        bool
	AssetType       string

	// Scanner-supplied labels, recorded as imported tags.
	Tags []string
}

// Fingerprint derives the stable identity key for the observation.
//
// Deterministic priority cascade, first match wins:
//
//	mac:<mac>            link-layer address, survives re-imaging and re-IPs
//	ip_os:<ip>:<os>      distinguishes machines sharing an IP over time
//	ip_host:<ip>:<host>  hostname as a weaker disambiguator
//	ip:<ip>              weakest signal, DHCP collisions are accepted
//
// Pure function, no I/O: the same observation always yields the same
// key. The IP address is mandatory even when a MAC is present, since it
// seeds the weakest fallback and the identity store requires it.
func (o Observation) Fingerprint() (string, error) {
	if o.IPAddress == "" {
		return "", errors.Wrap(ErrMissingRequiredAttribute, "ip address")
	}

	switch {
	case o.MACAddress != "":
		return "mac:" + strings.ToLower(o.MACAddress), nil
	case o.OperatingSystem != "":
		return "ip_os:" + o.IPAddress + ":" + squashAlnum(o.OperatingSystem), nil
	case o.Hostname != "":
		return "ip_host:" + o.IPAddress + ":" + strings.ToLower(o.Hostname), nil
	default:
		return "ip:" + o.IPAddress, nil
	}
}

// Ref returns the identifier used for this observation in error lists.
func (o Observation) Ref() string {
	if o.Hostname != "" {
		return o.Hostname
	}
	if o.IPAddress != "" {
		return o.IPAddress
	}
	return "unknown host"
}

// squashAlnum strips every non-alphanumeric rune and lowercases the
// rest, so cosmetic differences in OS banners do not split identities.
func squashAlnum(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
