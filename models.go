package vulntrail

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// A durable identity for one physical or logical host across time.
// Keyed by fingerprint: exactly one row exists per distinct fingerprint,
// and the same fingerprint always resolves to the same row, even as the
// snapshot fields churn between scans.
type Asset struct {
	gorm.Model

	Fingerprint string `gorm:"uniqueIndex"`

	// Last-observed snapshot. Mutable; every change is recorded in
	// AssetChange.
	Hostname        string
	IPAddress       string
	OperatingSystem string
	OSVersion       string

	FQDN            string
	CloudInstanceID string
	External        bool
	AssetType       string

	FirstSeen time.Time
	LastSeen  time.Time
	// Soft-deactivated when absent from scans long enough.
	// Never hard-deleted.
	Active bool

	Changes []*AssetChange `gorm:"foreignKey:AssetID;constraint:OnDelete:CASCADE"`
}

// One history entry per changed snapshot field on an asset.
type AssetChange struct {
	gorm.Model

	AssetID       uint `gorm:"index"`
	ScanSessionID uint

	Field      string
	OldValue   string
	NewValue   string
	ObservedAt time.Time
}

// The vulnerability itself, independent of where or when it was found.
// Unique per scanner plugin identifier; non-identity fields are updated
// on every re-sighting.
type VulnerabilityDefinition struct {
	gorm.Model

	PluginID      string `gorm:"uniqueIndex"`
	Name          string
	Family        string
	CVSSBaseScore float64
	RiskFactor    Risk
	Description   string
	Solution      string
	Synopsis      string
}

type RemediationStatus string

const (
	StatusOpen       RemediationStatus = "open"
	StatusRemediated RemediationStatus = "remediated"
	StatusReopened   RemediationStatus = "reopened"
)

// One observation of a vulnerability on an asset during one scan
// session. Rows are append-only: re-observations and remediations
// insert new records, so the table is the full lineage history.
type Finding struct {
	gorm.Model

	AssetID         uint `gorm:"index:idx_findings_key"`
	VulnerabilityID uint `gorm:"index:idx_findings_key"`
	ScanSessionID   uint `gorm:"index"`

	Port     uint16
	Protocol string
	Service  string

	// Risk at time of first sighting, denormalized for the metric
	// breakdowns.
	Risk   Risk
	Status RemediationStatus `gorm:"index"`

	// FirstSeen never moves forward once set for a lineage.
	FirstSeen time.Time
	LastSeen  time.Time
	ScanDate  time.Time

	// Set only on records whose status is remediated.
	RemediatedAt *time.Time

	PluginOutput string
}

// Key returns the lineage key of the finding.
func (f *Finding) Key() FindingKey {
	return FindingKey{AssetID: f.AssetID, VulnerabilityID: f.VulnerabilityID}
}

// FindingKey identifies a remediation lineage: one (asset, vulnerability)
// pair followed across scans.
type FindingKey struct {
	AssetID         uint
	VulnerabilityID uint
}

// One execution of the pipeline against one input report. Created once
// per ingested report; only the final summary counts are written after
// the load completes.
type ScanSession struct {
	gorm.Model

	Name string
	// Scope labels an independent lineage key space. Previous-open-set
	// lookups never cross scopes.
	Scope    string `gorm:"index"`
	ScanDate time.Time

	// Source file identity for idempotence detection.
	FileName string
	FileHash string `gorm:"index"`

	Targets  datatypes.JSON
	Metadata datatypes.JSON

	HostCount    int
	FindingCount int
	Completed    bool
}

// Point-in-time metric snapshot written by the aggregator. The document
// is a nested mapping of category to metric name to value.
type MetricSnapshot struct {
	gorm.Model

	TakenAt time.Time
	Metrics datatypes.JSON
}

// One MTTR history row per aggregator run.
type MTTRHistory struct {
	gorm.Model

	TakenAt     time.Time
	OverallDays float64

	ByRiskLevel     datatypes.JSON
	ByAssetType     datatypes.JSON
	ByBusinessGroup datatypes.JSON
}

type TagKind string

const (
	// Carried over from the scanner's own labels.
	TagImported TagKind = "imported"
	// Produced by rule evaluation after each load.
	TagDynamic TagKind = "dynamic"
)

type Tag struct {
	gorm.Model

	Name        string `gorm:"uniqueIndex"`
	Kind        TagKind
	Source      string
	Description string
}

type TagAssignment struct {
	gorm.Model

	TagID   uint `gorm:"index:idx_tag_assignment,unique"`
	AssetID uint `gorm:"index:idx_tag_assignment,unique"`
}

type BusinessGroup struct {
	gorm.Model

	Name        string `gorm:"uniqueIndex"`
	ParentID    *uint
	Description string
}

type GroupAssignment struct {
	gorm.Model

	GroupID uint `gorm:"index:idx_group_assignment,unique"`
	AssetID uint `gorm:"index:idx_group_assignment,unique"`
}
