// Package config loads flipset settings from the config file, FLIPSET_* environment variables and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/flipset/flipset/pkg/datastore"
	"github.com/flipset/flipset/pkg/hostid"
	"github.com/flipset/flipset/pkg/partition"
	"github.com/flipset/flipset/pkg/release"
	"github.com/flipset/flipset/pkg/selector"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// DefaultPath is read when no --config is given; a missing file is not an error.
const DefaultPath = "/etc/flipset/flipset.toml"

const (
	KeyMetadataURL     = "metadata-base-url"
	KeyTargetsURL      = "targets-base-url"
	KeyTrustedRoot     = "trusted-root"
	KeyMetadataCache   = "metadata-cache-dir"
	KeySeedFile        = "seed-file"
	KeyVersionLock     = "version-lock"
	KeyIgnoreWaves     = "ignore-waves"
	KeyVariant         = "variant"
	KeyArch            = "arch"
	KeyOSDisk          = "os-disk"
	KeyOSRelease       = "os-release"
	KeyCmdline         = "cmdline"
	KeyDatastoreDir    = "datastore-dir"
	KeyStateDir        = "state-dir"
	KeyTriesBudget     = "tries-budget"
	KeyTimeout         = "timeout"
	KeyHealthUnits     = "health-units"
	KeyHealthTimeout   = "health-timeout"
	KeyBootMarker      = "boot-marker"
	KeyMetricsTextfile = "metrics-textfile"
)

// Settings is the resolved configuration.
type Settings struct {
	MetadataURL      string
	TargetsURL       string
	TrustedRoot      string
	MetadataCacheDir string
	SeedFile         string
	VersionLock      selector.Lock
	IgnoreWaves      bool
	Variant          string
	Arch             string
	OSDisk           string
	OSRelease        string
	Cmdline          string
	DatastoreDir     string
	StateDir         string
	TriesBudget      uint8
	Timeout          time.Duration
	HealthUnits      []string
	HealthTimeout    time.Duration
	BootMarker       string
	MetricsTextfile  string
}

// Init sets the defaults and the environment binding, FLIPSET_VERSION_LOCK for version-lock.
func Init(v *viper.Viper) {
	v.SetEnvPrefix("flipset")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyTrustedRoot, "/usr/share/flipset/root.json")
	v.SetDefault(KeyMetadataCache, "/var/cache/flipset/metadata")
	v.SetDefault(KeySeedFile, hostid.DefaultSeedFile)
	v.SetDefault(KeyVersionLock, selector.LockLatest)
	v.SetDefault(KeyIgnoreWaves, false)
	v.SetDefault(KeyOSDisk, "/dev/disk/by-flipset/os")
	v.SetDefault(KeyOSRelease, release.DefaultPath)
	v.SetDefault(KeyCmdline, partition.DefaultCmdline)
	v.SetDefault(KeyDatastoreDir, datastore.DefaultDir)
	v.SetDefault(KeyStateDir, "/var/lib/flipset")
	v.SetDefault(KeyTriesBudget, 3)
	v.SetDefault(KeyTimeout, 5*time.Minute)
	v.SetDefault(KeyHealthUnits, []string{})
	v.SetDefault(KeyHealthTimeout, 5*time.Minute)
	v.SetDefault(KeyBootMarker, "/run/flipset/boot-confirmed")
	v.SetDefault(KeyMetricsTextfile, "")
}

// ReadFile merges a TOML config file. A missing file is only an error when it was asked for.
func ReadFile(v *viper.Viper, path string, explicit bool) error {
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			log.Debugf("No config file at %s", path)
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	log.Debugf("Using config file %s", v.ConfigFileUsed())
	return nil
}

// Load resolves and validates the settings; every invalid key is reported.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		MetadataURL:      v.GetString(KeyMetadataURL),
		TargetsURL:       v.GetString(KeyTargetsURL),
		TrustedRoot:      v.GetString(KeyTrustedRoot),
		MetadataCacheDir: v.GetString(KeyMetadataCache),
		SeedFile:         v.GetString(KeySeedFile),
		IgnoreWaves:      v.GetBool(KeyIgnoreWaves),
		Variant:          v.GetString(KeyVariant),
		Arch:             v.GetString(KeyArch),
		OSDisk:           v.GetString(KeyOSDisk),
		OSRelease:        v.GetString(KeyOSRelease),
		Cmdline:          v.GetString(KeyCmdline),
		DatastoreDir:     v.GetString(KeyDatastoreDir),
		StateDir:         v.GetString(KeyStateDir),
		Timeout:          v.GetDuration(KeyTimeout),
		HealthUnits:      v.GetStringSlice(KeyHealthUnits),
		HealthTimeout:    v.GetDuration(KeyHealthTimeout),
		BootMarker:       v.GetString(KeyBootMarker),
		MetricsTextfile:  v.GetString(KeyMetricsTextfile),
	}

	var errs *multierror.Error
	lock, err := selector.ParseLock(v.GetString(KeyVersionLock))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", KeyVersionLock, err))
	}
	s.VersionLock = lock

	tries := v.GetInt(KeyTriesBudget)
	if tries < 1 || tries > partition.MaxTries {
		errs = multierror.Append(errs, fmt.Errorf("%s: %d out of range [1, %d]", KeyTriesBudget, tries, partition.MaxTries))
	} else {
		s.TriesBudget = uint8(tries)
	}
	if s.Timeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("%s must be positive", KeyTimeout))
	}
	if s.HealthTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("%s must be positive", KeyHealthTimeout))
	}
	if s.StateDir == "" || s.DatastoreDir == "" {
		errs = multierror.Append(errs, fmt.Errorf("%s and %s are required", KeyStateDir, KeyDatastoreDir))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return s, nil
}

// RequireRepository reports missing repository settings; only commands that talk to the
// repository need them.
func (s *Settings) RequireRepository() error {
	var errs *multierror.Error
	if s.MetadataURL == "" {
		errs = multierror.Append(errs, fmt.Errorf("%s is required", KeyMetadataURL))
	}
	if s.TargetsURL == "" {
		errs = multierror.Append(errs, fmt.Errorf("%s is required", KeyTargetsURL))
	}
	return errs.ErrorOrNil()
}
