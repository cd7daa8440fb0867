package vulntrail

import (
	"os"
	"path"
	"slices"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Standard paths used to store databases and configuration
// https://specifications.freedesktop.org/basedir-spec/latest/
type StandardPaths struct {
	// Can be used to change the profile
	// Default: "vulntrail"
	AppName string
	// Path to configuration directory.
	// Default: "$XDG_CONFIG_HOME/<app>" or "$HOME/.config/<app>" if unset
	ConfigHome string
	// Path to data directory, where the trail database lives
	// Default: "$XDG_DATA_HOME/<app>" or "$HOME/.local/share/<app>"
	DataHome string
}

func (s StandardPaths) init() error {
	for _, p := range []string{s.ConfigHome, s.DataHome} {
		if err := os.MkdirAll(p, 0700); err != nil {
			return errors.Wrapf(err, "failed to create standard path: %s", p)
		}
	}
	return nil
}

func isValidPath(val string) bool {
	return !slices.Contains([]string{"", "-"}, val)
}

func bindPath(val, env, def, app string) string {
	if isValidPath(val) {
		return val
	}
	if v := os.Getenv(env); isValidPath(v) {
		return path.Join(v, app)
	}
	return path.Join(def, app)
}

// BindStandardPaths overrides empty standard paths with environment or
// default values.
func BindStandardPaths(p *StandardPaths) *StandardPaths {
	if !isValidPath(p.AppName) {
		p.AppName = "vulntrail"
	}

	home := os.Getenv("HOME")
	p.ConfigHome = bindPath(p.ConfigHome, "XDG_CONFIG_HOME", path.Join(home, ".config"), p.AppName)
	p.DataHome = bindPath(p.DataHome, "XDG_DATA_HOME", path.Join(home, ".local", "share"), p.AppName)
	return p
}

// Settings is the file-backed configuration: database home, scope
// defaults, retention policy, and the tag and business group rules.
type Settings struct {
	// Where the trail database lives. "-" selects an in-memory
	// database.
	DatabaseHome string `mapstructure:"database_home"`

	// Default scope label for ingested scans without one.
	DefaultScope string `mapstructure:"default_scope"`

	// Assets unseen for this many days are soft-deactivated.
	DeactivateAfterDays int `mapstructure:"deactivate_after_days"`

	// Trailing window for the daily remediation rate.
	MetricsWindowDays int `mapstructure:"metrics_window_days"`

	TagRules   []Rule      `mapstructure:"tag_rules"`
	GroupRules []GroupRule `mapstructure:"group_rules"`
}

// LoadSettings initializes the standard paths and reads the settings
// file. A missing file yields the defaults; a malformed one is an
// error.
func LoadSettings(fpath string, paths *StandardPaths) (*Settings, error) {
	if err := paths.init(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize standard paths")
	}

	v := viper.New()
	v.SetDefault("database_home", paths.DataHome)
	v.SetDefault("deactivate_after_days", 90)
	v.SetDefault("metrics_window_days", 30)

	if fpath != "" {
		v.SetConfigFile(fpath)
	} else {
		v.SetConfigName(paths.AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(paths.ConfigHome)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if fpath != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read settings")
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "failed to parse settings")
	}
	return &s, nil
}
