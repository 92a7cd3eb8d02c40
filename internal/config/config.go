// Package config loads medchain settings from an optional config file,
// MEDCHAIN_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/medchain/internal/gate"
)

// EnvPrefix prefixes every environment variable, e.g. MEDCHAIN_STORE_DRIVER.
const EnvPrefix = "MEDCHAIN"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverLevelDB  = "leveldb"
	DriverBadger   = "badger"
)

// Anchor modes.
const (
	AnchorDisabled = "disabled"
	AnchorMock     = "mock"
	AnchorHTTP     = "http"
)

// Drivers lists the accepted store.driver values.
var Drivers = []string{DriverSQLite, DriverPostgres, DriverLevelDB, DriverBadger}

// AnchorModes lists the accepted anchor.mode values.
var AnchorModes = []string{AnchorDisabled, AnchorMock, AnchorHTTP}

// ErrInvalid marks a configuration that failed validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the validated runtime configuration.
type Config struct {
	Store  StoreConfig  `mapstructure:"store"`
	Anchor AnchorConfig `mapstructure:"anchor"`
	Gate   GateConfig   `mapstructure:"gate"`
	Schema SchemaConfig `mapstructure:"schema"`
	HTTP   HTTPConfig   `mapstructure:"http"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type AnchorConfig struct {
	Mode    string        `mapstructure:"mode"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type GateConfig struct {
	SuffixLength int `mapstructure:"suffix_length"`
	MaxFailures  int `mapstructure:"max_failures"`
	// SessionTTL bounds how long an idle HTTP session keeps its grants.
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type SchemaConfig struct {
	// Path to a CUE schema file. Empty uses the embedded schemas.
	Path string `mapstructure:"path"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// TrustRoleHeader honours the X-Medchain-Role request header. Enable
	// it only behind a proxy that authenticates callers and sets the
	// header itself; otherwise every caller is anonymous.
	TrustRoleHeader bool `mapstructure:"trust_role_header"`
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"driver":            "store.driver",
	"db":                "store.dsn",
	"anchor":            "anchor.mode",
	"anchor-url":        "anchor.url",
	"anchor-timeout":    "anchor.timeout",
	"max-failures":      "gate.max_failures",
	"schema":            "schema.path",
	"addr":              "http.addr",
	"trust-role-header": "http.trust_role_header",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", "medchain.db")
	v.SetDefault("anchor.mode", AnchorDisabled)
	v.SetDefault("anchor.url", "")
	v.SetDefault("anchor.timeout", 3*time.Second)
	v.SetDefault("gate.suffix_length", gate.SuffixLength)
	v.SetDefault("gate.max_failures", 0)
	v.SetDefault("gate.session_ttl", gate.DefaultSessionTTL)
	v.SetDefault("schema.path", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.trust_role_header", false)
}

// Load reads the configuration. path may be empty; flags may be nil. Only
// flags the user actually set override file and environment values.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c Config) Validate() error {
	var errs []error

	if !slices.Contains(Drivers, c.Store.Driver) {
		errs = append(errs, fmt.Errorf("store.driver %q: must be one of %v", c.Store.Driver, Drivers))
	}
	if c.Store.Driver == DriverPostgres && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn: required for postgres"))
	}

	if !slices.Contains(AnchorModes, c.Anchor.Mode) {
		errs = append(errs, fmt.Errorf("anchor.mode %q: must be one of %v", c.Anchor.Mode, AnchorModes))
	}
	if c.Anchor.Mode == AnchorHTTP && c.Anchor.URL == "" {
		errs = append(errs, errors.New("anchor.url: required when anchor.mode is http"))
	}
	if c.Anchor.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("anchor.timeout %s: must be positive", c.Anchor.Timeout))
	}

	// The suffix length is part of the unlock protocol, not a tunable.
	if c.Gate.SuffixLength != gate.SuffixLength {
		errs = append(errs, fmt.Errorf("gate.suffix_length %d: must be %d", c.Gate.SuffixLength, gate.SuffixLength))
	}
	if c.Gate.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("gate.max_failures %d: must not be negative", c.Gate.MaxFailures))
	}
	if c.Gate.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("gate.session_ttl %s: must be positive", c.Gate.SessionTTL))
	}

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr: must not be empty"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
