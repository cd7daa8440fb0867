package vulntrail

import "testing"

type ruleTester struct {
	rule    Rule
	asset   Asset
	tags    []string
	matches bool
	invalid bool
}

func (t *ruleTester) runTest(test *testing.T, name string) {
	ok, err := t.rule.Matches(&t.asset, t.tags)

	if t.invalid {
		if err == nil {
			test.Errorf("[%s] expected an error", name)
		}
		return
	}
	if err != nil {
		test.Errorf("[%s] failed to match: %v", name, err)
		return
	}
	if ok != t.matches {
		test.Errorf("[%s] expected match=%v, got %v", name, t.matches, ok)
	}
}

var ruleTests = map[string]*ruleTester{
	"ip-range-hit": {
		rule:    Rule{Kind: RuleIPRange, Tag: "dmz", CIDR: "10.1.0.0/16"},
		asset:   Asset{IPAddress: "10.1.42.7"},
		matches: true,
	},
	"ip-range-miss": {
		rule:    Rule{Kind: RuleIPRange, Tag: "dmz", CIDR: "10.1.0.0/16"},
		asset:   Asset{IPAddress: "10.2.0.1"},
		matches: false,
	},
	"ip-range-invalid-cidr": {
		rule:    Rule{Kind: RuleIPRange, CIDR: "not-a-cidr"},
		asset:   Asset{IPAddress: "10.1.0.1"},
		invalid: true,
	},
	"hostname-glob": {
		rule:    Rule{Kind: RuleHostnamePattern, Tag: "web", Pattern: "web-*"},
		asset:   Asset{Hostname: "WEB-03"},
		matches: true,
	},
	"hostname-glob-miss": {
		rule:    Rule{Kind: RuleHostnamePattern, Tag: "web", Pattern: "web-*"},
		asset:   Asset{Hostname: "db-01"},
		matches: false,
	},
	"os-contains": {
		rule:    Rule{Kind: RuleOSMatch, Tag: "windows", OSContains: "windows"},
		asset:   Asset{OperatingSystem: "Microsoft Windows Server 2019"},
		matches: true,
	},
	"tag-match-normalized": {
		rule:    Rule{Kind: RuleTagMatch, Tag: "prod", Tags: []string{"Critical"}},
		asset:   Asset{},
		tags:    []string{"#critical"},
		matches: true,
	},
	"tag-match-miss": {
		rule:    Rule{Kind: RuleTagMatch, Tag: "prod", Tags: []string{"critical"}},
		asset:   Asset{},
		tags:    []string{"#low"},
		matches: false,
	},
	"unknown-kind": {
		rule:    Rule{Kind: "regex"},
		asset:   Asset{},
		invalid: true,
	},
}

func TestRuleMatches(t *testing.T) {
	for name, cfg := range ruleTests {
		cfg.runTest(t, name)
	}
}
