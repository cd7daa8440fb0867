// The collection of store adapters. An adapter gives one part of the
// reconciliation core access to exactly the persistence surface it
// needs, so every component takes its store as a constructor argument
// and tests can substitute an in-memory fake.
package vulntrail

import "time"

type Stores interface {
	Identities() IdentityStore
	Definitions() DefinitionStore
	Findings() FindingStore
	Sessions() SessionStore
	Metrics() MetricsStore
	Tags() TagStore
}

// IdentityStore resolves observations to durable asset identities.
type IdentityStore interface {
	// Resolve returns the asset the observation belongs to, creating it
	// on first occurrence of the fingerprint and recording one history
	// entry per changed snapshot field otherwise. The returned id is
	// stable across calls with the same fingerprint.
	Resolve(o Observation, fingerprint string, sessionID uint, at time.Time) (*Asset, error)

	// DeactivateStale soft-deactivates assets unseen since the cutoff
	// and reports how many were touched.
	DeactivateStale(before time.Time) (int64, error)

	Get(id uint) (*Asset, error)
	ListActive() ([]*Asset, error)
	History(assetID uint) ([]*AssetChange, error)
}

type DefinitionStore interface {
	// Upsert by plugin id: creates on first sighting, refreshes the
	// non-identity fields on later ones.
	Upsert(def *VulnerabilityDefinition) (*VulnerabilityDefinition, error)
}

type FindingStore interface {
	// LatestByKey returns the most recent persisted record per
	// (asset, vulnerability) lineage within the scope: the previous
	// state set the diff engine runs against.
	LatestByKey(scope string) ([]*Finding, error)

	// SaveAll appends the diff engine's output. All-or-nothing: a crash
	// mid-write must not leave a lineage half-transitioned.
	SaveAll(findings []*Finding) error

	BySession(sessionID uint) ([]*Finding, error)
}

type SessionStore interface {
	Create(s *ScanSession) error
	Finalize(id uint, hosts, findings int) error
	Latest(scope string) (*ScanSession, error)
	List(scope string) ([]*ScanSession, error)
}

// MetricsStore is the query surface of the aggregator. The aggregator
// computes every figure itself from these rows; there is no precomputed
// fast path to fall back from.
type MetricsStore interface {
	RemediatedLineages() ([]RemediatedLineage, error)
	CountOpenedBetween(from, to time.Time) (int64, error)
	CountRemediatedBetween(from, to time.Time) (int64, error)
	CountActiveAssets() (int64, error)
	CountAssetsWithOpenFindings() (int64, error)
	SessionSpan() (first, last time.Time, n int64, err error)
	// GroupMemberships maps each business group name to its member
	// asset ids.
	GroupMemberships() (map[string][]uint, error)

	SaveSnapshot(s *MetricSnapshot) error
	SaveMTTRHistory(h *MTTRHistory) error
}

type TagStore interface {
	EnsureTag(name string, kind TagKind, source string) (uint, error)
	AssignTag(tagID, assetID uint) error
	AssetTags(assetID uint) ([]string, error)

	EnsureGroup(name, description string, parentID *uint) (uint, error)
	AssignGroup(groupID, assetID uint) error
}

type storeSet struct {
	repos *repositoryRegistry
}

// MakeStores wires the store adapters over a repository registry rooted
// at home. Pass "-" for an in-memory database.
func MakeStores(home string) Stores {
	return &storeSet{repos: newRepositoryRegistry(home)}
}

func (s *storeSet) Identities() IdentityStore  { return &identityAdapter{s.repos.Assets()} }
func (s *storeSet) Definitions() DefinitionStore {
	return &definitionAdapter{s.repos.Definitions()}
}
func (s *storeSet) Findings() FindingStore { return &findingAdapter{s.repos.Findings()} }
func (s *storeSet) Sessions() SessionStore { return &sessionAdapter{s.repos.Sessions()} }
func (s *storeSet) Metrics() MetricsStore {
	return &metricsAdapter{s.repos.Findings(), s.repos.Sessions(), s.repos.Assets(), s.repos.Metrics(), s.repos.Tags()}
}
func (s *storeSet) Tags() TagStore { return &tagAdapter{s.repos.Tags()} }

type identityAdapter struct {
	repo *assetRepo
}

func (a *identityAdapter) Resolve(o Observation, fingerprint string, sessionID uint, at time.Time) (*Asset, error) {
	return a.repo.upsertObservation(o, fingerprint, sessionID, at)
}

func (a *identityAdapter) DeactivateStale(before time.Time) (int64, error) {
	return a.repo.deactivateStale(before)
}

func (a *identityAdapter) Get(id uint) (*Asset, error) {
	assets, err := a.repo.getAssets(id)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, nil
	}
	return assets[0], nil
}

func (a *identityAdapter) ListActive() ([]*Asset, error) {
	return a.repo.listActive()
}

func (a *identityAdapter) History(assetID uint) ([]*AssetChange, error) {
	return a.repo.getChanges(assetID)
}

type definitionAdapter struct {
	repo *definitionRepo
}

func (a *definitionAdapter) Upsert(def *VulnerabilityDefinition) (*VulnerabilityDefinition, error) {
	return a.repo.upsert(def)
}

type findingAdapter struct {
	repo *findingRepo
}

func (a *findingAdapter) LatestByKey(scope string) ([]*Finding, error) {
	return a.repo.latestByKey(scope)
}

func (a *findingAdapter) SaveAll(findings []*Finding) error {
	return a.repo.addFindings(findings)
}

func (a *findingAdapter) BySession(sessionID uint) ([]*Finding, error) {
	return a.repo.getBySession(sessionID)
}

type sessionAdapter struct {
	repo *sessionRepo
}

func (a *sessionAdapter) Create(s *ScanSession) error              { return a.repo.create(s) }
func (a *sessionAdapter) Finalize(id uint, h, f int) error         { return a.repo.finalize(id, h, f) }
func (a *sessionAdapter) Latest(scope string) (*ScanSession, error) { return a.repo.latest(scope) }
func (a *sessionAdapter) List(scope string) ([]*ScanSession, error) { return a.repo.list(scope) }

type metricsAdapter struct {
	findings *findingRepo
	sessions *sessionRepo
	assets   *assetRepo
	metrics  *metricsRepo
	tags     *tagRepo
}

func (a *metricsAdapter) RemediatedLineages() ([]RemediatedLineage, error) {
	return a.findings.remediatedLineages()
}

func (a *metricsAdapter) CountOpenedBetween(from, to time.Time) (int64, error) {
	return a.findings.countOpenedBetween(from, to)
}

func (a *metricsAdapter) CountRemediatedBetween(from, to time.Time) (int64, error) {
	return a.findings.countRemediatedBetween(from, to)
}

func (a *metricsAdapter) CountActiveAssets() (int64, error) {
	active, err := a.assets.listActive()
	if err != nil {
		return 0, err
	}
	return int64(len(active)), nil
}

func (a *metricsAdapter) CountAssetsWithOpenFindings() (int64, error) {
	return a.findings.countAssetsWithOpenFindings()
}

func (a *metricsAdapter) SessionSpan() (time.Time, time.Time, int64, error) {
	return a.sessions.span()
}

func (a *metricsAdapter) GroupMemberships() (map[string][]uint, error) {
	groups, err := a.tags.listGroups()
	if err != nil {
		return nil, err
	}

	memberships := make(map[string][]uint, len(groups))
	for _, g := range groups {
		ids, err := a.tags.groupAssets(g.ID)
		if err != nil {
			return nil, err
		}
		memberships[g.Name] = ids
	}
	return memberships, nil
}

func (a *metricsAdapter) SaveSnapshot(s *MetricSnapshot) error { return a.metrics.addSnapshot(s) }
func (a *metricsAdapter) SaveMTTRHistory(h *MTTRHistory) error { return a.metrics.addMTTRHistory(h) }

type tagAdapter struct {
	repo *tagRepo
}

func (a *tagAdapter) EnsureTag(name string, kind TagKind, source string) (uint, error) {
	return a.repo.ensureTag(name, kind, source)
}

func (a *tagAdapter) AssignTag(tagID, assetID uint) error {
	return a.repo.assignTag(tagID, assetID)
}

func (a *tagAdapter) AssetTags(assetID uint) ([]string, error) {
	return a.repo.assetTags(assetID)
}

func (a *tagAdapter) EnsureGroup(name, description string, parentID *uint) (uint, error) {
	return a.repo.ensureGroup(name, description, parentID)
}

func (a *tagAdapter) AssignGroup(groupID, assetID uint) error {
	return a.repo.assignGroup(groupID, assetID)
}
