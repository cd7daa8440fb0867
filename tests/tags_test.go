package test

import (
	"testing"

	"github.com/vulntrail"
)

func resolveAsset(t *testing.T, ids vulntrail.IdentityStore, o vulntrail.Observation) *vulntrail.Asset {
	t.Helper()

	fp, err := o.Fingerprint()
	if err != nil {
		t.Fatalf("failed to fingerprint: %v", err)
	}
	a, err := ids.Resolve(o, fp, 1, scanDay)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	return a
}

func TestImportTags(t *testing.T) {
	stores := makeStores()
	a := resolveAsset(t, stores.Identities(), labHost())

	tagger := vulntrail.NewTagger(stores.Tags())
	if err := tagger.ImportTags(a.ID, []string{"Critical", "#pci"}, "nessus"); err != nil {
		t.Fatalf("failed to import tags: %v", err)
	}

	tags, err := stores.Tags().AssetTags(a.ID)
	if err != nil {
		t.Fatalf("failed to load asset tags: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %v", tags)
	}
	have := map[string]bool{tags[0]: true, tags[1]: true}
	if !have["#critical"] || !have["#pci"] {
		t.Errorf("tags not normalized: %v", tags)
	}
}

// Rules within one pass see tags assigned by earlier rules, and a
// second pass adds nothing: assignments are additive and idempotent.
func TestApplyRulesAssignsTags(t *testing.T) {
	stores := makeStores()
	ids := stores.Identities()

	web := resolveAsset(t, ids, labHost())
	db := resolveAsset(t, ids, vulntrail.Observation{
		Hostname:        "db-01",
		IPAddress:       "10.9.0.2",
		OperatingSystem: "Debian 12",
		AssetType:       "host",
	})

	tagger := vulntrail.NewTagger(stores.Tags())
	assets := []*vulntrail.Asset{web, db}
	rules := []vulntrail.Rule{
		{Kind: vulntrail.RuleHostnamePattern, Tag: "web", Pattern: "web-*"},
		{Kind: vulntrail.RuleTagMatch, Tag: "frontline", Tags: []string{"web"}},
	}

	for i := 0; i < 2; i++ {
		if err := tagger.ApplyRules(assets, rules); err != nil {
			t.Fatalf("failed to apply rules: %v", err)
		}
	}

	tags, err := stores.Tags().AssetTags(web.ID)
	if err != nil {
		t.Fatalf("failed to load asset tags: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags on the web host, got %v", tags)
	}

	tags, err = stores.Tags().AssetTags(db.ID)
	if err != nil {
		t.Fatalf("failed to load asset tags: %v", err)
	}
	if len(tags) != 0 {
		t.Errorf("expected no tags on the db host, got %v", tags)
	}
}

func TestApplyGroupRulesBuildsHierarchy(t *testing.T) {
	stores := makeStores()
	web := resolveAsset(t, stores.Identities(), labHost())

	tagger := vulntrail.NewTagger(stores.Tags())
	rules := []vulntrail.GroupRule{{
		Name:   "frontend",
		Parent: "engineering",
		Rules:  []vulntrail.Rule{{Kind: vulntrail.RuleIPRange, CIDR: "10.0.0.0/16"}},
	}}

	for i := 0; i < 2; i++ {
		if err := tagger.ApplyGroupRules([]*vulntrail.Asset{web}, rules); err != nil {
			t.Fatalf("failed to apply group rules: %v", err)
		}
	}

	memberships, err := stores.Metrics().GroupMemberships()
	if err != nil {
		t.Fatalf("failed to load memberships: %v", err)
	}
	if len(memberships["frontend"]) != 1 {
		t.Errorf("expected 1 member after two passes, got %v", memberships["frontend"])
	}
	if _, ok := memberships["engineering"]; !ok {
		t.Error("parent group not created on demand")
	}
}
