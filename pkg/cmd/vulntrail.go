package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vulntrail"
)

const unset = "-"

type Flags struct {
	Paths  vulntrail.StandardPaths
	Config string
}

func Run() error {
	var settings *vulntrail.Settings
	var f Flags

	com := &cobra.Command{
		Use:   "vulntrail",
		Short: "Track vulnerability remediation across repeated scans",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// 1. bind the paths. Overrides defaults.
			vulntrail.BindStandardPaths(&f.Paths)
			// 2. load and validate the settings file
			s, err := vulntrail.LoadSettings(f.Config, &f.Paths)
			settings = s
			return err
		},
	}

	// This set of flags propagates
	fl := com.PersistentFlags()

	paths := &f.Paths
	pathFlags := pflag.NewFlagSet("Standard Paths", pflag.ExitOnError)
	pathFlags.StringVar(&paths.AppName, "stdpath.app", unset, "App name")
	pathFlags.StringVar(&paths.ConfigHome, "stdpath.config", unset, "Configuration directory")
	pathFlags.StringVar(&paths.DataHome, "stdpath.data", unset, "Data directory")
	fl.AddFlagSet(pathFlags)

	cfgFlags := pflag.NewFlagSet("Configuration", pflag.ExitOnError)
	cfgFlags.StringVar(&f.Config, "config", "", "Path to settings file")
	fl.AddFlagSet(cfgFlags)

	lazy := newLazyLoader(func() *vulntrail.Settings { return settings })

	com.AddCommand(
		ingestCommand(lazy),
		metricsCommand(lazy),
		assetsCommand(lazy),
		sessionsCommand(lazy),
		groupsCommand(lazy),
	)

	return com.Execute()
}

// lazyLoader defers store construction until a command actually runs,
// after the settings file is loaded.
type lazyLoader struct {
	settings func() *vulntrail.Settings
	stores   vulntrail.Stores
}

func newLazyLoader(settings func() *vulntrail.Settings) *lazyLoader {
	return &lazyLoader{settings: settings}
}

func (l *lazyLoader) Stores() vulntrail.Stores {
	if l.stores == nil {
		l.stores = vulntrail.MakeStores(l.settings().DatabaseHome)
	}
	return l.stores
}
