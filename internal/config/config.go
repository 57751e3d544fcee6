// Package config loads user configuration from a TOML file. A Config is
// an explicit value handed to the components that need it; there is no
// package-level cached instance.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file under the ptydeck directory.
const FileName = "config.toml"

// Config is the user-facing configuration.
type Config struct {
	// FlushIntervalMS is the output batch cadence in milliseconds.
	// Default: 8
	FlushIntervalMS int `toml:"flush_interval_ms"`

	// BootstrapFallbackMS is how long to wait for first shell output before
	// injecting the initial command anyway. Default: 750
	BootstrapFallbackMS int `toml:"bootstrap_fallback_ms"`

	// PollIntervalMS is the marker watcher poll cadence. Default: 500
	PollIntervalMS int `toml:"poll_interval_ms"`

	// SnapshotTTLMS is the process snapshot cache TTL. Default: 1000
	SnapshotTTLMS int `toml:"snapshot_ttl_ms"`

	// MarkerDir overrides the marker root directory.
	// Default: <tmpdir>/ptydeck
	MarkerDir string `toml:"marker_dir"`

	// Web configures the HTTP/websocket surface.
	Web WebSettings `toml:"web"`

	// Logs configures the debug log.
	Logs LogSettings `toml:"logs"`

	// Journal configures the SQLite event journal.
	Journal JournalSettings `toml:"journal"`

	// Detect extends the built-in activity detection rules.
	Detect DetectSettings `toml:"detect"`
}

// WebSettings configures the HTTP server.
type WebSettings struct {
	// Addr is the listen address. Default: 127.0.0.1:7670
	Addr string `toml:"addr"`

	// InputRatePerSec limits websocket input messages per connection.
	// Default: 200
	InputRatePerSec int `toml:"input_rate_per_sec"`

	// InputBurst is the rate limiter burst. Default: 400
	InputBurst int `toml:"input_burst"`
}

// LogSettings configures the rotating debug log.
type LogSettings struct {
	// Dir is where debug.log lives. Empty disables file logging.
	Dir string `toml:"dir"`

	// Level sets the minimum level: "debug", "info", "warn", "error".
	// Default: "info"
	Level string `toml:"level"`

	// Format is "json" (default) or "text".
	Format string `toml:"format"`

	// MaxSizeMB is the rotation threshold. Default: 10
	MaxSizeMB int `toml:"max_size_mb"`

	// MaxBackups is the number of rotated files kept. Default: 5
	MaxBackups int `toml:"max_backups"`

	// MaxAgeDays is how long rotated files are kept. Default: 10
	MaxAgeDays int `toml:"max_age_days"`

	// Compress gzips rotated files. Default: true
	Compress *bool `toml:"compress"`
}

// JournalSettings configures the best-effort SQLite event journal.
type JournalSettings struct {
	// Enabled turns the journal on. Default: true when Path resolves.
	Enabled *bool `toml:"enabled"`

	// Path is the database file. Default: <config dir>/journal.db
	Path string `toml:"path"`
}

// DetectSettings extends the activity detection rule set.
type DetectSettings struct {
	// ExtraAgents appends agent CLI basenames to the built-in list.
	ExtraAgents []string `toml:"extra_agents"`

	// ExtraHeaders appends literal prompt-header fragments.
	ExtraHeaders []string `toml:"extra_headers"`

	// ExtraUnanswered appends literal unanswered-prompt fragments.
	ExtraUnanswered []string `toml:"extra_unanswered"`

	// ExtraHints appends literal confirmation-hint fragments.
	ExtraHints []string `toml:"extra_hints"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.FlushIntervalMS <= 0 {
		c.FlushIntervalMS = 8
	}
	if c.BootstrapFallbackMS <= 0 {
		c.BootstrapFallbackMS = 750
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = 500
	}
	if c.SnapshotTTLMS <= 0 {
		c.SnapshotTTLMS = 1000
	}
	if c.Web.Addr == "" {
		c.Web.Addr = "127.0.0.1:7670"
	}
	if c.Web.InputRatePerSec <= 0 {
		c.Web.InputRatePerSec = 200
	}
	if c.Web.InputBurst <= 0 {
		c.Web.InputBurst = 400
	}
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	if c.Logs.Format == "" {
		c.Logs.Format = "json"
	}
	if c.Logs.MaxSizeMB <= 0 {
		c.Logs.MaxSizeMB = 10
	}
	if c.Logs.MaxBackups <= 0 {
		c.Logs.MaxBackups = 5
	}
	if c.Logs.MaxAgeDays <= 0 {
		c.Logs.MaxAgeDays = 10
	}
}

// GetCompress returns whether rotated logs are compressed, defaulting to true.
func (l *LogSettings) GetCompress() bool {
	if l.Compress == nil {
		return true
	}
	return *l.Compress
}

// GetEnabled returns whether the journal is enabled, defaulting to true.
func (j *JournalSettings) GetEnabled() bool {
	if j.Enabled == nil {
		return true
	}
	return *j.Enabled
}

// FlushInterval returns the batch cadence as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// BootstrapFallback returns the bootstrap fallback as a duration.
func (c *Config) BootstrapFallback() time.Duration {
	return time.Duration(c.BootstrapFallbackMS) * time.Millisecond
}

// PollInterval returns the watcher poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// SnapshotTTL returns the snapshot cache TTL as a duration.
func (c *Config) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLMS) * time.Millisecond
}

// Dir returns the ptydeck config directory, creating it if needed.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".ptydeck")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads the config file at path, applying defaults for missing keys.
// A missing file yields the defaults without error; a malformed file yields
// the defaults plus the parse error so the caller can surface it.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Default(), fmt.Errorf("%s parse error: %w", filepath.Base(path), err)
	}
	c.applyDefaults()
	return &c, nil
}

// Save writes the config atomically: encode to memory, write a temp file,
// rename over the target.
func Save(path string, c *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# ptydeck configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize config save: %w", err)
	}
	return nil
}
