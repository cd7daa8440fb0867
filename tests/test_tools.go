package test

import (
	"time"

	"github.com/vulntrail"
)

// makeStores returns a fresh in-memory store set per test, so tests
// never share state.
func makeStores() vulntrail.Stores {
	return vulntrail.MakeStores("-")
}

func makePipeline(stores vulntrail.Stores) *vulntrail.Pipeline {
	return vulntrail.NewPipeline(
		stores.Identities(),
		stores.Definitions(),
		stores.Findings(),
		stores.Sessions(),
		stores.Tags(),
	)
}

var scanDay = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func labHost() vulntrail.Observation {
	return vulntrail.Observation{
		Hostname:        "web-01",
		IPAddress:       "10.0.0.5",
		MACAddress:      "aa:bb:cc:dd:ee:ff",
		OperatingSystem: "Ubuntu 22.04",
		AssetType:       "host",
	}
}

func labFinding(plugin, name, severity string) vulntrail.RawFinding {
	return vulntrail.RawFinding{
		IPAddress:    "10.0.0.5",
		PluginID:     plugin,
		Name:         name,
		Family:       "General",
		SeverityCode: severity,
		Port:         443,
		Protocol:     "tcp",
		Service:      "https",
	}
}
