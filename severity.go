package vulntrail

// Risk is the canonical risk taxonomy findings and definitions are
// normalized into.
type Risk string

const (
	RiskNone     Risk = "None"
	RiskLow      Risk = "Low"
	RiskMedium   Risk = "Medium"
	RiskHigh     Risk = "High"
	RiskCritical Risk = "Critical"
	// Fallback for any scanner code outside the known domain. Malformed
	// scanner output degrades, it never aborts ingestion.
	RiskUnknown Risk = "Unknown"
)

var severityCodes = map[string]Risk{
	"0": RiskNone,
	"1": RiskLow,
	"2": RiskMedium,
	"3": RiskHigh,
	"4": RiskCritical,
}

// NormalizeSeverity maps a scanner-native severity code to the canonical
// taxonomy. Pure lookup; never fails.
func NormalizeSeverity(code string) Risk {
	if r, ok := severityCodes[code]; ok {
		return r
	}
	return RiskUnknown
}

// RiskLevels lists the actionable levels in descending order, the order
// metric breakdowns are reported in.
func RiskLevels() []Risk {
	return []Risk{RiskCritical, RiskHigh, RiskMedium, RiskLow}
}
