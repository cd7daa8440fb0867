package vulntrail

import (
	"net"
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RuleKind enumerates the closed set of matching rules. No other kinds
// exist; anything else fails rule validation instead of being silently
// ignored.
type RuleKind string

const (
	// Matches assets whose current IP falls inside a CIDR block.
	RuleIPRange RuleKind = "ip_range"
	// Matches the current hostname against a glob pattern.
	RuleHostnamePattern RuleKind = "hostname_pattern"
	// Matches a substring of the current OS descriptor.
	RuleOSMatch RuleKind = "os_match"
	// Matches assets that already carry any of the listed tags.
	RuleTagMatch RuleKind = "tag_match"
)

// Rule is one typed matching rule. Kind selects which of the criteria
// fields applies.
type Rule struct {
	Kind RuleKind `mapstructure:"kind"`
	// Tag to apply on match.
	Tag string `mapstructure:"tag"`

	CIDR       string   `mapstructure:"cidr"`
	Pattern    string   `mapstructure:"pattern"`
	OSContains string   `mapstructure:"os_contains"`
	Tags       []string `mapstructure:"tags"`
}

// GroupRule assigns matching assets to a business group.
type GroupRule struct {
	Name        string `mapstructure:"name"`
	Parent      string `mapstructure:"parent"`
	Description string `mapstructure:"description"`
	Rules       []Rule `mapstructure:"rules"`
}

// Matches is the single dispatch point for every rule kind. assetTags
// holds the tags already assigned to the asset, for tag_match rules.
func (r Rule) Matches(a *Asset, assetTags []string) (bool, error) {
	switch r.Kind {
	case RuleIPRange:
		_, block, err := net.ParseCIDR(r.CIDR)
		if err != nil {
			return false, errors.Wrapf(err, "invalid cidr %q", r.CIDR)
		}
		ip := net.ParseIP(a.IPAddress)
		if ip == nil {
			return false, nil
		}
		return block.Contains(ip), nil

	case RuleHostnamePattern:
		ok, err := path.Match(strings.ToLower(r.Pattern), strings.ToLower(a.Hostname))
		if err != nil {
			return false, errors.Wrapf(err, "invalid pattern %q", r.Pattern)
		}
		return ok, nil

	case RuleOSMatch:
		return strings.Contains(
			strings.ToLower(a.OperatingSystem),
			strings.ToLower(r.OSContains),
		), nil

	case RuleTagMatch:
		have := make(map[string]bool, len(assetTags))
		for _, t := range assetTags {
			have[normalizeTag(t)] = true
		}
		for _, want := range r.Tags {
			if have[normalizeTag(want)] {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, errors.Errorf("unknown rule kind %q", r.Kind)
	}
}

// Tagger evaluates rules over resolved assets and records the results.
// Assignments are additive: rules add tags and group memberships, they
// never remove them.
type Tagger struct {
	store TagStore
}

func NewTagger(store TagStore) *Tagger {
	return &Tagger{store: store}
}

// ImportTags records scanner-supplied tags against an asset.
func (t *Tagger) ImportTags(assetID uint, names []string, source string) error {
	for _, name := range names {
		tagID, err := t.store.EnsureTag(normalizeTag(name), TagImported, source)
		if err != nil {
			return err
		}
		if err := t.store.AssignTag(tagID, assetID); err != nil {
			return err
		}
	}
	return nil
}

// ApplyRules evaluates dynamic tag rules over the assets. Rule errors
// fail the run: a broken rule file should be fixed, not skipped.
func (t *Tagger) ApplyRules(assets []*Asset, rules []Rule) error {
	for _, rule := range rules {
		tagID, err := t.store.EnsureTag(normalizeTag(rule.Tag), TagDynamic, "rules")
		if err != nil {
			return err
		}

		for _, a := range assets {
			assetTags, err := t.store.AssetTags(a.ID)
			if err != nil {
				return err
			}
			ok, err := rule.Matches(a, assetTags)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := t.store.AssignTag(tagID, a.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyGroupRules assigns assets to business groups. Parents are
// created on demand so a rule file can declare a hierarchy in any
// order.
func (t *Tagger) ApplyGroupRules(assets []*Asset, rules []GroupRule) error {
	for _, gr := range rules {
		var parentID *uint
		if gr.Parent != "" {
			id, err := t.store.EnsureGroup(gr.Parent, "", nil)
			if err != nil {
				return err
			}
			parentID = &id
		}

		groupID, err := t.store.EnsureGroup(gr.Name, gr.Description, parentID)
		if err != nil {
			return err
		}

		matched := 0
		for _, a := range assets {
			assetTags, err := t.store.AssetTags(a.ID)
			if err != nil {
				return err
			}

			for _, rule := range gr.Rules {
				ok, err := rule.Matches(a, assetTags)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if err := t.store.AssignGroup(groupID, a.ID); err != nil {
					return err
				}
				matched++
				break
			}
		}
		log.Debug().Str("group", gr.Name).Int("assets", matched).Msg("group rules applied")
	}
	return nil
}

func normalizeTag(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return name
	}
	if !strings.HasPrefix(name, "#") {
		name = "#" + name
	}
	return strings.ToLower(name)
}
