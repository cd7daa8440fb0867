package vulntrail

import (
	"testing"

	"github.com/pkg/errors"
)

type fingerprintTester struct {
	obs Observation
	key string
	err error
}

func (t *fingerprintTester) runTest(test *testing.T, name string) {
	key, err := t.obs.Fingerprint()

	if t.err != nil {
		if !errors.Is(err, t.err) {
			test.Errorf("[%s] expected error %v, got %v", name, t.err, err)
		}
		return
	}

	if err != nil {
		test.Errorf("[%s] failed to fingerprint: %v", name, err)
		return
	}
	if key != t.key {
		test.Errorf("[%s] expected %q, got %q", name, t.key, key)
		return
	}

	// pure function: resolving twice yields the same key
	again, err := t.obs.Fingerprint()
	if err != nil || again != key {
		test.Errorf("[%s] unstable fingerprint: %q then %q", name, key, again)
	}
}

var fingerprintTests = map[string]*fingerprintTester{
	"mac-over-hostname": {
		obs: Observation{
			IPAddress:  "10.0.0.5",
			MACAddress: "00:1A:2B:3C:4D:5E",
			Hostname:   "web-01",
		},
		key: "mac:00:1a:2b:3c:4d:5e",
	},
	"mac-over-os": {
		obs: Observation{
			IPAddress:       "10.0.0.5",
			MACAddress:      "aa:bb:cc:dd:ee:ff",
			OperatingSystem: "Linux",
		},
		key: "mac:aa:bb:cc:dd:ee:ff",
	},
	"ip-os": {
		obs: Observation{
			IPAddress:       "10.0.0.5",
			OperatingSystem: "Ubuntu 22.04 (LTS)",
			Hostname:        "web-01",
		},
		key: "ip_os:10.0.0.5:ubuntu2204lts",
	},
	"ip-host": {
		obs: Observation{
			IPAddress: "10.0.0.5",
			Hostname:  "Web-01",
		},
		key: "ip_host:10.0.0.5:web-01",
	},
	"ip-only": {
		obs: Observation{IPAddress: "10.0.0.5"},
		key: "ip:10.0.0.5",
	},
	"missing-ip": {
		obs: Observation{Hostname: "web-01"},
		err: ErrMissingRequiredAttribute,
	},
	"missing-ip-with-mac": {
		obs: Observation{MACAddress: "aa:bb:cc:dd:ee:ff"},
		err: ErrMissingRequiredAttribute,
	},
}

func TestFingerprint(t *testing.T) {
	for name, cfg := range fingerprintTests {
		cfg.runTest(t, name)
	}
}
