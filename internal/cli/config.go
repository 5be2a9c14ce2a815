package cli

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed config.cue
var configSchema string

// Config is the contents of outbox.yaml.
type Config struct {
	Database string         `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Sync     SyncConfig     `yaml:"sync"`
	Calendar CalendarConfig `yaml:"calendar"`
}

// ServerConfig locates the remote authority.
type ServerConfig struct {
	BaseURL  string `yaml:"base_url"`
	Resource string `yaml:"resource"`
	Timeout  string `yaml:"timeout"`
}

// SyncConfig tunes the sync throttle.
type SyncConfig struct {
	MinInterval string `yaml:"min_interval"`
}

// CalendarConfig controls calendar views.
type CalendarConfig struct {
	Timezone string `yaml:"timezone"`
}

// DefaultConfig returns the values used for anything the file leaves out.
func DefaultConfig() Config {
	return Config{
		Database: "outbox.db",
		Server: ServerConfig{
			Resource: "events",
			Timeout:  "30s",
		},
		Sync:     SyncConfig{MinInterval: "5m"},
		Calendar: CalendarConfig{Timezone: "UTC"},
	}
}

// ConfigError reports a config file that failed schema validation.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// LoadConfig reads path over the defaults. The file is validated against
// the embedded CUE schema before it is decoded, so unknown keys and
// malformed durations are reported with their CUE path.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := validateConfig(data); err != nil {
		return cfg, &ConfigError{Path: path, Err: err}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

// validateConfig unifies the YAML document with #Config.
func validateConfig(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(configSchema, cue.Filename("config.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := def.Unify(ctx.Encode(doc))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// resolveConfig loads the config named by the flags and applies flag
// overrides. Without --config, a missing outbox.yaml means defaults.
func resolveConfig(opts *RootOptions) (Config, error) {
	cfg := DefaultConfig()
	switch {
	case opts.Config != "":
		loaded, err := LoadConfig(opts.Config)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	default:
		if _, err := os.Stat(DefaultConfigPath); err == nil {
			loaded, err := LoadConfig(DefaultConfigPath)
			if err != nil {
				return cfg, err
			}
			cfg = loaded
		}
	}

	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.Server != "" {
		cfg.Server.BaseURL = opts.Server
	}
	return cfg, nil
}

// Durations parses the duration fields.
func (c Config) Durations() (timeout, minInterval time.Duration, err error) {
	timeout, err = time.ParseDuration(c.Server.Timeout)
	if err != nil {
		return 0, 0, fmt.Errorf("server.timeout: %w", err)
	}
	minInterval, err = time.ParseDuration(c.Sync.MinInterval)
	if err != nil {
		return 0, 0, fmt.Errorf("sync.min_interval: %w", err)
	}
	return timeout, minInterval, nil
}

// Location loads calendar.timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Calendar.Timezone)
	if err != nil {
		return nil, fmt.Errorf("calendar.timezone: %w", err)
	}
	return loc, nil
}
