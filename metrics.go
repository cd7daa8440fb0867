package vulntrail

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Metric is a numeric aggregate that may be undefined. An undefined
// metric means "no qualifying data", which downstream dashboards must
// never confuse with zero.
type Metric struct {
	Value float64
	Valid bool
}

func definedMetric(v float64) Metric {
	return Metric{Value: v, Valid: true}
}

// RemediatedLineage is one closed lineage with the dimensions the
// aggregator partitions by, captured at first sighting.
type RemediatedLineage struct {
	FindingID    uint
	AssetID      uint
	Risk         Risk
	AssetType    string
	FirstSeen    time.Time
	RemediatedAt time.Time
}

func (l RemediatedLineage) days() float64 {
	return l.RemediatedAt.Sub(l.FirstSeen).Hours() / 24
}

// Aggregator computes MTTR and capacity metrics from the persisted,
// state-annotated finding history. It only reads finding records and
// writes derived snapshot rows; it never mutates a finding.
type Aggregator struct {
	store MetricsStore
}

func NewAggregator(store MetricsStore) *Aggregator {
	return &Aggregator{store: store}
}

// OverallMTTR is the average of (remediation timestamp - first_seen) in
// days across every lineage that reached remediated at least once.
// Undefined when nothing was ever remediated.
func (a *Aggregator) OverallMTTR() (Metric, error) {
	rows, err := a.store.RemediatedLineages()
	if err != nil {
		return Metric{}, err
	}
	return mttrOf(rows), nil
}

// MTTRByRiskLevel partitions the same average by the risk recorded at
// first sighting. Levels without remediations are absent from the map.
func (a *Aggregator) MTTRByRiskLevel() (map[Risk]float64, error) {
	rows, err := a.store.RemediatedLineages()
	if err != nil {
		return nil, err
	}

	byRisk := make(map[Risk][]RemediatedLineage)
	for _, r := range rows {
		byRisk[r.Risk] = append(byRisk[r.Risk], r)
	}

	out := make(map[Risk]float64, len(byRisk))
	for risk, part := range byRisk {
		if m := mttrOf(part); m.Valid {
			out[risk] = m.Value
		}
	}
	return out, nil
}

func (a *Aggregator) MTTRByAssetType() (map[string]float64, error) {
	rows, err := a.store.RemediatedLineages()
	if err != nil {
		return nil, err
	}

	byType := make(map[string][]RemediatedLineage)
	for _, r := range rows {
		t := r.AssetType
		if t == "" {
			t = "unknown"
		}
		byType[t] = append(byType[t], r)
	}

	out := make(map[string]float64, len(byType))
	for t, part := range byType {
		if m := mttrOf(part); m.Valid {
			out[t] = m.Value
		}
	}
	return out, nil
}

func (a *Aggregator) MTTRByBusinessGroup() (map[string]float64, error) {
	rows, err := a.store.RemediatedLineages()
	if err != nil {
		return nil, err
	}

	memberships, err := a.store.GroupMemberships()
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(memberships))
	for group, assets := range memberships {
		member := make(map[uint]bool, len(assets))
		for _, id := range assets {
			member[id] = true
		}

		var part []RemediatedLineage
		for _, r := range rows {
			if member[r.AssetID] {
				part = append(part, r)
			}
		}
		if m := mttrOf(part); m.Valid {
			out[group] = m.Value
		}
	}
	return out, nil
}

// RemediationCapacity is the ratio of findings remediated in the period
// to findings newly opened in the same period, as a percentage.
// Undefined, not infinite, when nothing opened.
func (a *Aggregator) RemediationCapacity(from, to time.Time) (Metric, error) {
	remediated, err := a.store.CountRemediatedBetween(from, to)
	if err != nil {
		return Metric{}, err
	}
	opened, err := a.store.CountOpenedBetween(from, to)
	if err != nil {
		return Metric{}, err
	}
	if opened == 0 {
		return Metric{}, nil
	}
	return definedMetric(float64(remediated) / float64(opened) * 100), nil
}

// DailyRemediationRate is the remediation count over a trailing window
// divided by the window length in days.
func (a *Aggregator) DailyRemediationRate(now time.Time, windowDays int) (Metric, error) {
	if windowDays <= 0 {
		return Metric{}, nil
	}
	from := now.AddDate(0, 0, -windowDays)
	remediated, err := a.store.CountRemediatedBetween(from, now)
	if err != nil {
		return Metric{}, err
	}
	return definedMetric(float64(remediated) / float64(windowDays)), nil
}

// AssetCoverage is the share of active assets that currently carry at
// least one open finding.
func (a *Aggregator) AssetCoverage() (Metric, error) {
	active, err := a.store.CountActiveAssets()
	if err != nil {
		return Metric{}, err
	}
	if active == 0 {
		return Metric{}, nil
	}
	vulnerable, err := a.store.CountAssetsWithOpenFindings()
	if err != nil {
		return Metric{}, err
	}
	return definedMetric(float64(vulnerable) / float64(active) * 100), nil
}

// MetricsReport is one point-in-time snapshot: category to metric name
// to value. Metrics with no qualifying data are listed separately
// instead of being coerced to zero.
type MetricsReport struct {
	TakenAt    time.Time
	Categories map[string]map[string]float64
	Undefined  []string
}

// Snapshot computes every metric over the full history, persists the
// snapshot and the MTTR history row, and returns the report.
func (a *Aggregator) Snapshot(now time.Time, windowDays int) (*MetricsReport, error) {
	report := &MetricsReport{
		TakenAt:    now,
		Categories: make(map[string]map[string]float64),
	}

	put := func(category, name string, m Metric) {
		if !m.Valid {
			report.Undefined = append(report.Undefined, category+"."+name)
			return
		}
		if report.Categories[category] == nil {
			report.Categories[category] = make(map[string]float64)
		}
		report.Categories[category][name] = m.Value
	}

	overall, err := a.OverallMTTR()
	if err != nil {
		return nil, err
	}
	put("mttr", "overall_days", overall)

	byRisk, err := a.MTTRByRiskLevel()
	if err != nil {
		return nil, err
	}
	for risk, days := range byRisk {
		put("mttr_by_risk", string(risk), definedMetric(days))
	}

	byType, err := a.MTTRByAssetType()
	if err != nil {
		return nil, err
	}
	for t, days := range byType {
		put("mttr_by_asset_type", t, definedMetric(days))
	}

	byGroup, err := a.MTTRByBusinessGroup()
	if err != nil {
		return nil, err
	}
	for g, days := range byGroup {
		put("mttr_by_business_group", g, definedMetric(days))
	}

	first, last, sessions, err := a.store.SessionSpan()
	if err != nil {
		return nil, err
	}
	if sessions >= 2 {
		capacity, err := a.RemediationCapacity(first, last.Add(time.Second))
		if err != nil {
			return nil, err
		}
		put("capacity", "remediation_capacity_pct", capacity)
	} else {
		put("capacity", "remediation_capacity_pct", Metric{})
	}

	daily, err := a.DailyRemediationRate(now, windowDays)
	if err != nil {
		return nil, err
	}
	put("capacity", "daily_remediation_rate", daily)

	coverage, err := a.AssetCoverage()
	if err != nil {
		return nil, err
	}
	put("coverage", "vulnerable_asset_pct", coverage)

	if err := a.persist(report, overall, byRisk, byType, byGroup); err != nil {
		return nil, err
	}
	return report, nil
}

func (a *Aggregator) persist(report *MetricsReport, overall Metric, byRisk map[Risk]float64, byType, byGroup map[string]float64) error {
	doc, err := json.Marshal(report.Categories)
	if err != nil {
		return errors.Wrap(err, "failed to encode metric snapshot")
	}
	if err := a.store.SaveSnapshot(&MetricSnapshot{TakenAt: report.TakenAt, Metrics: doc}); err != nil {
		return err
	}

	if !overall.Valid {
		log.Debug().Msg("no remediated lineages yet, skipping mttr history")
		return nil
	}

	riskDoc, err := json.Marshal(byRisk)
	if err != nil {
		return errors.Wrap(err, "failed to encode mttr by risk")
	}
	typeDoc, err := json.Marshal(byType)
	if err != nil {
		return errors.Wrap(err, "failed to encode mttr by asset type")
	}
	groupDoc, err := json.Marshal(byGroup)
	if err != nil {
		return errors.Wrap(err, "failed to encode mttr by business group")
	}

	return a.store.SaveMTTRHistory(&MTTRHistory{
		TakenAt:         report.TakenAt,
		OverallDays:     overall.Value,
		ByRiskLevel:     riskDoc,
		ByAssetType:     typeDoc,
		ByBusinessGroup: groupDoc,
	})
}

func mttrOf(rows []RemediatedLineage) Metric {
	if len(rows) == 0 {
		return Metric{}
	}
	var total float64
	for _, r := range rows {
		total += r.days()
	}
	return definedMetric(total / float64(len(rows)))
}
