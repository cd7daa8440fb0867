package vulntrail

import (
	"path"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DatabaseLocation string

const (
	NO_DATABASE       DatabaseLocation = ""
	INMEMORY_DATABASE DatabaseLocation = ":memory:"
)

type Repository interface {
	WithTransaction(fn func(*gorm.DB) error) error
	connect() (*gorm.DB, error)
}

type repository struct {
	db *gorm.DB

	location string
	config   *gorm.Config
	models   []any
}

// do whatever within a separate transaction
func (r *repository) WithTransaction(fn func(conn *gorm.DB) error) error {
	if _, err := r.connect(); err != nil {
		return err
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
}

func (r *repository) connect() (*gorm.DB, error) {
	if r.db != nil {
		return r.db, nil
	}

	db, err := gorm.Open(sqlite.Open(r.location), r.config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database connection")
	}

	db = db.Exec("PRAGMA foreign_keys = ON")
	if err := db.AutoMigrate(r.models...); err != nil {
		return nil, err
	}
	r.db = db

	return db, nil
}

type assetRepo struct {
	Repository
	cache *expirable.LRU[string, *Asset]
}

// returns an asset by fingerprint, or nil when the fingerprint has
// never been seen
func (r *assetRepo) getByFingerprint(fp string) (*Asset, error) {
	if asset, ok := r.cache.Get(fp); ok {
		return asset, nil
	}

	var a Asset
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where(&Asset{Fingerprint: fp}).First(&a)
		if err := q.Error; err != nil {
			return err
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find asset")
	}
	return &a, nil
}

func (r *assetRepo) getAssets(id ...uint) ([]*Asset, error) {
	var assets []*Asset
	return assets, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Find(&assets, id)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find assets")
		}
		return nil
	})
}

func (r *assetRepo) listActive() ([]*Asset, error) {
	var assets []*Asset
	return assets, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where(&Asset{Active: true}).Find(&assets)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to list active assets")
		}
		return nil
	})
}

// upsertObservation creates the asset on first occurrence of the
// fingerprint, otherwise updates the snapshot fields and appends one
// history record per changed field.
func (r *assetRepo) upsertObservation(o Observation, fp string, sessionID uint, at time.Time) (*Asset, error) {
	existing, err := r.getByFingerprint(fp)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		asset := &Asset{
			Fingerprint:     fp,
			Hostname:        o.Hostname,
			IPAddress:       o.IPAddress,
			OperatingSystem: o.OperatingSystem,
			OSVersion:       o.OSVersion,
			FQDN:            o.FQDN,
			CloudInstanceID: o.CloudInstanceID,
			External:        o.External,
			AssetType:       o.AssetType,
			FirstSeen:       at,
			LastSeen:        at,
			Active:          true,
		}
		err := r.WithTransaction(func(d *gorm.DB) error {
			if err := d.Create(asset).Error; err != nil {
				return errors.Wrap(err, "failed to create asset")
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		r.cache.Add(fp, asset)
		return asset, nil
	}

	changes := snapshotChanges(existing, o, sessionID, at)
	err = r.WithTransaction(func(d *gorm.DB) error {
		applySnapshot(existing, o, at)
		if err := d.Save(existing).Error; err != nil {
			return errors.Wrap(err, "failed to update asset snapshot")
		}
		if len(changes) > 0 {
			if err := d.Create(changes).Error; err != nil {
				return errors.Wrap(err, "failed to record asset changes")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.cache.Add(fp, existing)
	return existing, nil
}

// deactivateStale soft-deactivates assets unseen since the cutoff.
func (r *assetRepo) deactivateStale(before time.Time) (int64, error) {
	var n int64
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&Asset{}).
			Where("active = ? AND last_seen < ?", true, before).
			Update("active", false)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to deactivate stale assets")
		}
		n = q.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.cache.Purge()
	return n, nil
}

func (r *assetRepo) getChanges(assetID uint) ([]*AssetChange, error) {
	var ch []*AssetChange
	return ch, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where(&AssetChange{AssetID: assetID}).Order("observed_at").Find(&ch)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find asset changes")
		}
		return nil
	})
}

func snapshotChanges(a *Asset, o Observation, sessionID uint, at time.Time) []*AssetChange {
	fields := []struct{ name, old, new string }{
		{"hostname", a.Hostname, o.Hostname},
		{"ip_address", a.IPAddress, o.IPAddress},
		{"operating_system", a.OperatingSystem, o.OperatingSystem},
		{"os_version", a.OSVersion, o.OSVersion},
	}

	var changes []*AssetChange
	for _, f := range fields {
		if f.new == "" || f.new == f.old {
			continue
		}
		changes = append(changes, &AssetChange{
			AssetID:       a.ID,
			ScanSessionID: sessionID,
			Field:         f.name,
			OldValue:      f.old,
			NewValue:      f.new,
			ObservedAt:    at,
		})
	}
	return changes
}

// applySnapshot overwrites the mutable snapshot fields with the newly
// observed values. Empty observations never erase a known value.
func applySnapshot(a *Asset, o Observation, at time.Time) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&a.Hostname, o.Hostname)
	set(&a.IPAddress, o.IPAddress)
	set(&a.OperatingSystem, o.OperatingSystem)
	set(&a.OSVersion, o.OSVersion)
	set(&a.FQDN, o.FQDN)
	set(&a.CloudInstanceID, o.CloudInstanceID)
	if o.AssetType != "" {
		a.AssetType = o.AssetType
	}
	// asserted, never revoked: a report that omits the flag must not
	// demote an external asset
	if o.External {
		a.External = true
	}
	a.LastSeen = at
	a.Active = true
}

type definitionRepo struct {
	Repository
}

// upsert creates the definition on first sighting of the plugin id and
// refreshes the non-identity fields on every later one.
func (r *definitionRepo) upsert(def *VulnerabilityDefinition) (*VulnerabilityDefinition, error) {
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "plugin_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "family", "cvss_base_score", "risk_factor",
				"description", "solution", "synopsis",
			}),
		}).Create(def)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to upsert vulnerability definition")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// OnConflict updates do not report the surviving row id
	if def.ID == 0 {
		err = r.WithTransaction(func(d *gorm.DB) error {
			return d.Where(&VulnerabilityDefinition{PluginID: def.PluginID}).First(def).Error
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to read back definition")
		}
	}
	return def, nil
}

type findingRepo struct {
	Repository
}

func (r *findingRepo) addFindings(f []*Finding) error {
	if len(f) == 0 {
		return nil
	}
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Create(f)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to create findings")
		}
		return nil
	})
}

// latestByKey returns the most recent persisted record per
// (asset, vulnerability) lineage within one scope: the state set the
// diff engine runs against. Append-only inserts make the row id a
// reliable recency order.
func (r *findingRepo) latestByKey(scope string) ([]*Finding, error) {
	var heads []*Finding
	return heads, r.WithTransaction(func(conn *gorm.DB) error {
		q := conn.Raw(`
			SELECT f.*
			FROM findings AS f
			JOIN scan_sessions AS s ON s.id = f.scan_session_id
			WHERE s.scope = ?
			AND f.deleted_at IS NULL
			AND f.id = (
				SELECT MAX(f2.id)
				FROM findings AS f2
				JOIN scan_sessions AS s2 ON s2.id = f2.scan_session_id
				WHERE s2.scope = s.scope
				AND f2.asset_id = f.asset_id
				AND f2.vulnerability_id = f.vulnerability_id
				AND f2.deleted_at IS NULL
			)
		`, scope).Scan(&heads)

		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to load lineage heads")
		}
		return nil
	})
}

func (r *findingRepo) getBySession(sessionID uint) ([]*Finding, error) {
	var f []*Finding
	return f, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where(&Finding{ScanSessionID: sessionID}).Find(&f)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find session findings")
		}
		return nil
	})
}

// remediatedLineages returns one row per remediated finding with the
// dimensions the aggregator partitions by.
func (r *findingRepo) remediatedLineages() ([]RemediatedLineage, error) {
	var rows []RemediatedLineage
	return rows, r.WithTransaction(func(conn *gorm.DB) error {
		q := conn.Raw(`
			SELECT f.id AS finding_id, f.asset_id, f.risk,
			       a.asset_type, f.first_seen, f.remediated_at
			FROM findings AS f
			JOIN assets AS a ON a.id = f.asset_id
			WHERE f.status = ?
			AND f.remediated_at IS NOT NULL
			AND f.deleted_at IS NULL
		`, StatusRemediated).Scan(&rows)

		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to load remediated lineages")
		}
		return nil
	})
}

// countOpenedBetween counts lineage openings: first sightings and
// reopenings. Re-observations of an already open lineage inherit their
// first_seen and do not count again.
func (r *findingRepo) countOpenedBetween(from, to time.Time) (int64, error) {
	var n int64
	return n, r.WithTransaction(func(conn *gorm.DB) error {
		q := conn.Raw(`
			SELECT COUNT(*)
			FROM findings AS f
			WHERE f.deleted_at IS NULL
			AND ((f.status = ? AND f.first_seen = f.scan_date) OR f.status = ?)
			AND f.scan_date >= ? AND f.scan_date < ?
		`, StatusOpen, StatusReopened, from, to).Scan(&n)

		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to count opened findings")
		}
		return nil
	})
}

func (r *findingRepo) countRemediatedBetween(from, to time.Time) (int64, error) {
	var n int64
	return n, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&Finding{}).
			Where("status = ?", StatusRemediated).
			Where("remediated_at >= ? AND remediated_at < ?", from, to).
			Count(&n)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to count remediated findings")
		}
		return nil
	})
}

// countAssetsWithOpenFindings counts assets whose lineage heads are
// still open. Older open rows of a since-remediated lineage do not make
// an asset vulnerable.
func (r *findingRepo) countAssetsWithOpenFindings() (int64, error) {
	var n int64
	return n, r.WithTransaction(func(conn *gorm.DB) error {
		q := conn.Raw(`
			SELECT COUNT(DISTINCT f.asset_id)
			FROM findings AS f
			JOIN scan_sessions AS s ON s.id = f.scan_session_id
			WHERE f.deleted_at IS NULL
			AND f.status IN (?, ?)
			AND f.id = (
				SELECT MAX(f2.id)
				FROM findings AS f2
				JOIN scan_sessions AS s2 ON s2.id = f2.scan_session_id
				WHERE s2.scope = s.scope
				AND f2.asset_id = f.asset_id
				AND f2.vulnerability_id = f.vulnerability_id
				AND f2.deleted_at IS NULL
			)
		`, StatusOpen, StatusReopened).Scan(&n)

		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to count vulnerable assets")
		}
		return nil
	})
}

type sessionRepo struct {
	Repository
}

// create registers a new scan session. Re-ingesting a file whose
// content hash is already known is refused.
func (r *sessionRepo) create(s *ScanSession) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		if s.FileHash != "" {
			var n int64
			q := d.Model(&ScanSession{}).Where(&ScanSession{FileHash: s.FileHash}).Count(&n)
			if err := q.Error; err != nil {
				return errors.Wrap(err, "failed to check file hash")
			}
			if n > 0 {
				return errors.Wrapf(ErrDuplicateScanFile, "%s", s.FileName)
			}
		}
		if err := d.Create(s).Error; err != nil {
			return errors.Wrap(err, "failed to create scan session")
		}
		return nil
	})
}

// finalize writes the summary counts once the load completes. The only
// mutation a session ever receives.
func (r *sessionRepo) finalize(id uint, hosts, findings int) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&ScanSession{}).Where("id = ?", id).Updates(map[string]any{
			"host_count":    hosts,
			"finding_count": findings,
			"completed":     true,
		})
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to finalize scan session")
		}
		return nil
	})
}

func (r *sessionRepo) latest(scope string) (*ScanSession, error) {
	var s ScanSession
	err := r.WithTransaction(func(d *gorm.DB) error {
		return d.Where(&ScanSession{Scope: scope}).Order("scan_date DESC").First(&s).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find latest session")
	}
	return &s, nil
}

func (r *sessionRepo) list(scope string) ([]*ScanSession, error) {
	var sessions []*ScanSession
	return sessions, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Order("scan_date")
		if scope != "" {
			q = q.Where(&ScanSession{Scope: scope})
		}
		if err := q.Find(&sessions).Error; err != nil {
			return errors.Wrap(err, "failed to list sessions")
		}
		return nil
	})
}

// span returns the scan dates of the first and last session.
func (r *sessionRepo) span() (first, last time.Time, n int64, err error) {
	err = r.WithTransaction(func(d *gorm.DB) error {
		if err := d.Model(&ScanSession{}).Count(&n).Error; err != nil {
			return errors.Wrap(err, "failed to count sessions")
		}
		if n == 0 {
			return nil
		}
		var s ScanSession
		if err := d.Order("scan_date").First(&s).Error; err != nil {
			return err
		}
		first = s.ScanDate
		if err := d.Order("scan_date DESC").First(&s).Error; err != nil {
			return err
		}
		last = s.ScanDate
		return nil
	})
	return
}

type metricsRepo struct {
	Repository
}

func (r *metricsRepo) addSnapshot(s *MetricSnapshot) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		if err := d.Create(s).Error; err != nil {
			return errors.Wrap(err, "failed to create metric snapshot")
		}
		return nil
	})
}

func (r *metricsRepo) addMTTRHistory(h *MTTRHistory) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		if err := d.Create(h).Error; err != nil {
			return errors.Wrap(err, "failed to create mttr history")
		}
		return nil
	})
}

type tagRepo struct {
	Repository
}

func (r *tagRepo) ensureTag(name string, kind TagKind, source string) (uint, error) {
	var tag Tag
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where(&Tag{Name: name}).
			Attrs(&Tag{Kind: kind, Source: source}).
			FirstOrCreate(&tag)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to ensure tag")
		}
		return nil
	})
	return tag.ID, err
}

func (r *tagRepo) assignTag(tagID, assetID uint) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&TagAssignment{TagID: tagID, AssetID: assetID})
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to assign tag")
		}
		return nil
	})
}

func (r *tagRepo) assetTags(assetID uint) ([]string, error) {
	var names []string
	return names, r.WithTransaction(func(conn *gorm.DB) error {
		q := conn.Raw(`
			SELECT t.name
			FROM tags AS t
			JOIN tag_assignments AS ta ON ta.tag_id = t.id
			WHERE ta.asset_id = ?
			AND t.deleted_at IS NULL
			AND ta.deleted_at IS NULL
		`, assetID).Scan(&names)

		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to load asset tags")
		}
		return nil
	})
}

func (r *tagRepo) ensureGroup(name, description string, parentID *uint) (uint, error) {
	var g BusinessGroup
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where(&BusinessGroup{Name: name}).
			Attrs(&BusinessGroup{Description: description, ParentID: parentID}).
			FirstOrCreate(&g)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to ensure business group")
		}
		return nil
	})
	return g.ID, err
}

func (r *tagRepo) assignGroup(groupID, assetID uint) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&GroupAssignment{GroupID: groupID, AssetID: assetID})
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to assign business group")
		}
		return nil
	})
}

func (r *tagRepo) listGroups() ([]*BusinessGroup, error) {
	var groups []*BusinessGroup
	return groups, r.WithTransaction(func(d *gorm.DB) error {
		if err := d.Find(&groups).Error; err != nil {
			return errors.Wrap(err, "failed to list business groups")
		}
		return nil
	})
}

func (r *tagRepo) groupAssets(groupID uint) ([]uint, error) {
	var ids []uint
	return ids, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&GroupAssignment{}).
			Where(&GroupAssignment{GroupID: groupID}).
			Pluck("asset_id", &ids)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to load group assets")
		}
		return nil
	})
}

type repositoryBuilder struct {
	home     string
	location string
	config   *gorm.Config
	models   []any
}

func newRepositoryBuilder(home string) *repositoryBuilder {
	return &repositoryBuilder{
		home: home,
		config: &gorm.Config{
			SkipDefaultTransaction: true,
			PrepareStmt:            true,
		},
	}
}

func (b *repositoryBuilder) setLocation(name string) *repositoryBuilder {
	b.location = name
	return b
}

func (b *repositoryBuilder) setName(n string) *repositoryBuilder {
	switch b.home {
	case "-":
		return b.setLocation(string(INMEMORY_DATABASE))
	default:
		return b.setLocation(path.Join(b.home, n))
	}
}

func (b *repositoryBuilder) setModels(m []any) *repositoryBuilder {
	b.models = m
	return b
}

func (b *repositoryBuilder) reset() {
	b.models = nil
	b.location = ""
}

func (b *repositoryBuilder) build() *repository {
	repo := &repository{
		config:   b.config,
		location: b.location,
		models:   b.models,
	}
	defer b.reset()
	return repo
}

// trailModels is the full relational schema of one trail database.
// Everything lives in a single file so the write set of one ingestion
// commits atomically.
func trailModels() []any {
	return []any{
		&Asset{}, &AssetChange{},
		&VulnerabilityDefinition{}, &Finding{}, &ScanSession{},
		&MetricSnapshot{}, &MTTRHistory{},
		&Tag{}, &TagAssignment{}, &BusinessGroup{}, &GroupAssignment{},
	}
}

type repositoryRegistry struct {
	builder *repositoryBuilder

	shared *repository

	assets      *assetRepo
	definitions *definitionRepo
	findings    *findingRepo
	sessions    *sessionRepo
	metrics     *metricsRepo
	tags        *tagRepo
}

func newRepositoryRegistry(home string) *repositoryRegistry {
	return &repositoryRegistry{builder: newRepositoryBuilder(home)}
}

// sharedRepo hands every domain repo the same underlying connection, so
// cross-table writes of one ingestion share one transaction scope.
func (r *repositoryRegistry) sharedRepo() *repository {
	if r.shared == nil {
		r.shared = r.builder.
			setModels(trailModels()).
			setName("trail.db").
			build()
	}
	return r.shared
}

func (r *repositoryRegistry) Assets() *assetRepo {
	if r.assets == nil {
		cache := expirable.NewLRU[string, *Asset](1e3, nil, 5*time.Minute)
		r.assets = &assetRepo{r.sharedRepo(), cache}
	}
	return r.assets
}

func (r *repositoryRegistry) Definitions() *definitionRepo {
	if r.definitions == nil {
		r.definitions = &definitionRepo{r.sharedRepo()}
	}
	return r.definitions
}

func (r *repositoryRegistry) Findings() *findingRepo {
	if r.findings == nil {
		r.findings = &findingRepo{r.sharedRepo()}
	}
	return r.findings
}

func (r *repositoryRegistry) Sessions() *sessionRepo {
	if r.sessions == nil {
		r.sessions = &sessionRepo{r.sharedRepo()}
	}
	return r.sessions
}

func (r *repositoryRegistry) Metrics() *metricsRepo {
	if r.metrics == nil {
		r.metrics = &metricsRepo{r.sharedRepo()}
	}
	return r.metrics
}

func (r *repositoryRegistry) Tags() *tagRepo {
	if r.tags == nil {
		r.tags = &tagRepo{r.sharedRepo()}
	}
	return r.tags
}
