package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("cannot read config file")
	errConfigInvalid      = errors.New("invalid config file")
	errMissingArgs        = errors.New("missing arguments")
	errNoInput            = errors.New("no input")
)

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	LockTimeout string `json:"lock_timeout,omitempty"`
	SweepMinAge string `json:"sweep_min_age,omitempty"`
	LogLevel    string `json:"log_level,omitempty"`
	LogFormat   string `json:"log_format,omitempty"`

	// Resolved values (computed, not serialized)
	EffectiveCwd   string        `json:"-"`
	LockTimeoutDur time.Duration `json:"-"`
	SweepMinAgeDur time.Duration `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources ConfigSources `json:"-"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		LockTimeout: "0s",
		SweepMinAge: "1h",
		LogLevel:    "warn",
		LogFormat:   "text",
	}
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".adir.json"

// globalConfigPath returns $XDG_CONFIG_HOME/adir/config.json, falling back to
// ~/.config/adir/config.json. Empty if neither variable is set.
func globalConfigPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "adir", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "adir", "config.json")
	}

	return ""
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	Overrides       Config            // flag values; empty fields do not override
	Env             map[string]string // environment variables
}

// LoadConfig loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/adir/config.json)
// 3. Project config file (.adir.json in the working directory, if it exists)
// 4. Explicit config file via ConfigPath (replaces 3)
// 5. Flag overrides.
func LoadConfig(input LoadConfigInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	} else if !filepath.IsAbs(workDir) {
		abs, err := filepath.Abs(workDir)
		if err != nil {
			return Config{}, fmt.Errorf("resolving working directory: %w", err)
		}

		workDir = abs
	}

	cfg := DefaultConfig()

	if path := globalConfigPath(input.Env); path != "" {
		globalCfg, loaded, err := loadConfigFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = path
			cfg = mergeConfig(cfg, globalCfg)
		}
	}

	projectCfg, projectPath, err := loadProjectConfig(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)
	cfg = mergeConfig(cfg, input.Overrides)

	cfg.EffectiveCwd = workDir

	err = resolveConfig(&cfg)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadProjectConfig loads .adir.json or an explicit config file.
func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	if configPath == "" {
		path := filepath.Join(workDir, ConfigFileName)

		cfg, loaded, err := loadConfigFile(path, false)
		if err != nil || !loaded {
			return Config{}, "", err
		}

		return cfg, path, nil
	}

	path := configPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}

	_, statErr := os.Stat(path)
	if statErr != nil {
		return Config{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
	}

	cfg, _, err := loadConfigFile(path, true)
	if err != nil {
		return Config{}, "", err
	}

	return cfg, path, nil
}

// loadConfigFile loads a config file. If mustExist is false, a missing file
// returns a zero config and loaded=false.
func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(string(standardized)))
	dec.DisallowUnknownFields()

	var cfg Config

	err = dec.Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.LockTimeout != "" {
		base.LockTimeout = overlay.LockTimeout
	}

	if overlay.SweepMinAge != "" {
		base.SweepMinAge = overlay.SweepMinAge
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.LogFormat != "" {
		base.LogFormat = overlay.LogFormat
	}

	return base
}

// resolveConfig validates cfg and fills the parsed durations.
func resolveConfig(cfg *Config) error {
	var err error

	cfg.LockTimeoutDur, err = parseNonNegative("lock_timeout", cfg.LockTimeout)
	if err != nil {
		return err
	}

	cfg.SweepMinAgeDur, err = parseNonNegative("sweep_min_age", cfg.SweepMinAge)
	if err != nil {
		return err
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q (want debug, info, warn or error)", errConfigInvalid, cfg.LogLevel)
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format %q (want text or json)", errConfigInvalid, cfg.LogFormat)
	}

	return nil
}

func parseNonNegative(key, value string) (time.Duration, error) {
	if value == "0" {
		return 0, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", errConfigInvalid, key, err)
	}

	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", errConfigInvalid, key)
	}

	return d, nil
}
