package vulntrail

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RawFinding is one scanner observation of a vulnerability on a host,
// already parsed out of the report format. Attribution to an asset
// happens by IP against the batch's own host list.
type RawFinding struct {
	IPAddress string
	Hostname  string

	PluginID      string
	Name          string
	Family        string
	SeverityCode  string
	CVSSBaseScore float64

	Port     uint16
	Protocol string
	Service  string

	Description  string
	Solution     string
	Synopsis     string
	PluginOutput string
}

// Batch is the parsed content of one scanner report: the input to one
// ingestion pass.
type Batch struct {
	Name  string
	Scope string
	// Defaults to the current time when unset.
	ScanDate time.Time
	// Source file, hashed for idempotence detection. Optional.
	FilePath string
	Targets  []string

	Hosts    []Observation
	Findings []RawFinding
}

// Report summarizes one ingestion pass. Errors holds every record that
// was skipped, so nothing is dropped silently.
type Report struct {
	SessionID uint

	Hosts      int
	Open       int
	Reopened   int
	Remediated int

	Errors []RecordError
}

// Pipeline runs the reconciliation core as a single sequential pass per
// ingested scan. Callers must serialize ingestion of the same scope;
// different scopes operate over disjoint key spaces and may run
// concurrently.
type Pipeline struct {
	identities  IdentityStore
	definitions DefinitionStore
	findings    FindingStore
	sessions    SessionStore
	tags        TagStore
}

func NewPipeline(identities IdentityStore, definitions DefinitionStore, findings FindingStore, sessions SessionStore, tags TagStore) *Pipeline {
	return &Pipeline{
		identities:  identities,
		definitions: definitions,
		findings:    findings,
		sessions:    sessions,
		tags:        tags,
	}
}

// Ingest runs one batch through the core: session creation, identity
// resolution, definition upserts, the scan diff, and the bulk persist
// of the annotated findings. Per-record failures are collected into the
// report; systemic failures abort and propagate.
func (p *Pipeline) Ingest(batch Batch) (*Report, error) {
	scope := batch.Scope
	if scope == "" {
		scope = batch.Name
	}
	scanDate := batch.ScanDate
	if scanDate.IsZero() {
		scanDate = time.Now().UTC()
	}

	session, err := p.openSession(batch, scope, scanDate)
	if err != nil {
		return nil, err
	}

	report := &Report{SessionID: session.ID}

	byIP, err := p.resolveHosts(batch.Hosts, session.ID, scanDate, report)
	if err != nil {
		return nil, err
	}
	report.Hosts = len(byIP)

	defs, err := p.upsertDefinitions(batch.Findings)
	if err != nil {
		return nil, err
	}

	current := p.collectFindings(batch.Findings, byIP, defs, session.ID, scanDate, report)

	previous, err := p.findings.LatestByKey(scope)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load previous state set")
	}

	out, diffErrs := Diff(current, previous, scanDate)
	report.Errors = append(report.Errors, diffErrs...)

	// synthesized remediations belong to the scan that discovered them
	for _, f := range out {
		if f.Status == StatusRemediated {
			f.ScanSessionID = session.ID
		}
	}

	if err := p.findings.SaveAll(out); err != nil {
		return nil, errors.Wrap(err, "failed to persist findings")
	}

	for _, f := range out {
		switch f.Status {
		case StatusOpen:
			report.Open++
		case StatusReopened:
			report.Reopened++
		case StatusRemediated:
			report.Remediated++
		}
	}

	if err := p.sessions.Finalize(session.ID, report.Hosts, len(out)); err != nil {
		return nil, err
	}

	log.Info().
		Uint("session", session.ID).
		Str("scope", scope).
		Int("hosts", report.Hosts).
		Int("open", report.Open).
		Int("reopened", report.Reopened).
		Int("remediated", report.Remediated).
		Int("skipped", len(report.Errors)).
		Msg("scan ingested")

	return report, nil
}

func (p *Pipeline) openSession(batch Batch, scope string, scanDate time.Time) (*ScanSession, error) {
	session := &ScanSession{
		Name:     batch.Name,
		Scope:    scope,
		ScanDate: scanDate,
	}

	if batch.FilePath != "" {
		hash, name, err := hashFile(batch.FilePath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to hash scan file")
		}
		session.FileName = name
		session.FileHash = hash
	}

	if len(batch.Targets) > 0 {
		targets, err := json.Marshal(batch.Targets)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode scan targets")
		}
		session.Targets = targets
	}

	if err := p.sessions.Create(session); err != nil {
		return nil, err
	}
	return session, nil
}

// resolveHosts assigns every observation its asset identity. Records
// missing the required IP, or colliding on a strong hardware attribute
// under two fingerprints, are skipped and reported.
func (p *Pipeline) resolveHosts(hosts []Observation, sessionID uint, at time.Time, report *Report) (map[string]uint, error) {
	byIP := make(map[string]uint, len(hosts))
	tagger := NewTagger(p.tags)

	// Strong hardware attributes seen so far this session, by the
	// fingerprint that claimed them.
	claimed := make(map[string]string)

	for _, o := range hosts {
		fp, err := o.Fingerprint()
		if err != nil {
			report.Errors = append(report.Errors, RecordError{Ref: o.Ref(), Err: err})
			continue
		}

		if conflict := claimConflict(claimed, o, fp); conflict != "" {
			report.Errors = append(report.Errors, RecordError{
				Ref: o.Ref(),
				Err: errors.Wrapf(ErrIdentityConflict, "%s already claimed by %s", conflict, claimed[conflict]),
			})
			continue
		}

		asset, err := p.identities.Resolve(o, fp, sessionID, at)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve %s", o.Ref())
		}
		byIP[o.IPAddress] = asset.ID

		if len(o.Tags) > 0 {
			if err := tagger.ImportTags(asset.ID, o.Tags, "scanner"); err != nil {
				return nil, errors.Wrapf(err, "failed to import tags for %s", o.Ref())
			}
		}
	}
	return byIP, nil
}

// claimConflict records the observation's cloud instance id and returns
// it when a different fingerprint already claimed it. The same instance
// must never end up under two identities. MAC collisions cannot occur
// here: a shared MAC always yields a shared fingerprint.
func claimConflict(claimed map[string]string, o Observation, fp string) string {
	if o.CloudInstanceID == "" {
		return ""
	}

	key := "instance " + o.CloudInstanceID
	if prev, ok := claimed[key]; ok && prev != fp {
		return key
	}
	claimed[key] = fp
	return ""
}

func (p *Pipeline) upsertDefinitions(raw []RawFinding) (map[string]uint, error) {
	defs := make(map[string]uint)
	for _, rf := range raw {
		if rf.PluginID == "" {
			continue // reported by collectFindings
		}
		if _, ok := defs[rf.PluginID]; ok {
			continue
		}

		def, err := p.definitions.Upsert(&VulnerabilityDefinition{
			PluginID:      rf.PluginID,
			Name:          rf.Name,
			Family:        rf.Family,
			CVSSBaseScore: rf.CVSSBaseScore,
			RiskFactor:    NormalizeSeverity(rf.SeverityCode),
			Description:   rf.Description,
			Solution:      rf.Solution,
			Synopsis:      rf.Synopsis,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to upsert definition %s", rf.PluginID)
		}
		defs[rf.PluginID] = def.ID
	}
	return defs, nil
}

func (p *Pipeline) collectFindings(raw []RawFinding, byIP, defs map[string]uint, sessionID uint, scanDate time.Time, report *Report) []*Finding {
	current := make([]*Finding, 0, len(raw))
	for _, rf := range raw {
		assetID, ok := byIP[rf.IPAddress]
		if !ok || rf.PluginID == "" {
			report.Errors = append(report.Errors, RecordError{
				Ref: rawFindingRef(rf),
				Err: ErrMalformedFindingKey,
			})
			continue
		}

		current = append(current, &Finding{
			AssetID:         assetID,
			VulnerabilityID: defs[rf.PluginID],
			ScanSessionID:   sessionID,
			Port:            rf.Port,
			Protocol:        rf.Protocol,
			Service:         rf.Service,
			Risk:            NormalizeSeverity(rf.SeverityCode),
			Status:          StatusOpen,
			FirstSeen:       scanDate,
			LastSeen:        scanDate,
			ScanDate:        scanDate,
			PluginOutput:    rf.PluginOutput,
		})
	}
	return current
}

func rawFindingRef(rf RawFinding) string {
	host := rf.IPAddress
	if host == "" {
		host = rf.Hostname
	}
	if host == "" {
		host = "unknown host"
	}
	return fmt.Sprintf("%s/%s", host, rf.PluginID)
}

func hashFile(fpath string) (hash, name string, err error) {
	info, err := os.Stat(fpath)
	if err != nil {
		return "", "", err
	}

	f, err := os.Open(fpath)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(h.Sum(nil)), info.Name(), nil
}
