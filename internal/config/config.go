package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/thinkd/internal/bridge"
	"github.com/loykin/thinkd/internal/health"
	"github.com/loykin/thinkd/internal/logger"
	"github.com/loykin/thinkd/internal/supervisor"
)

// EnvPrefix is prepended to environment overrides: THINKD_BACKEND_URL
// overrides backend.url.
const EnvPrefix = "THINKD"

// Config is the top-level TOML structure.
type Config struct {
	Env      []string       `toml:"env" mapstructure:"env"`
	EnvFiles []string       `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool           `toml:"use_os_env" mapstructure:"use_os_env"`
	DataDir  string         `toml:"data_dir" mapstructure:"data_dir"`
	Log      logger.Config  `toml:"log" mapstructure:"log"`
	Backend  BackendConfig  `toml:"backend" mapstructure:"backend"`
	Health   HealthConfig   `toml:"health" mapstructure:"health"`
	Bridge   BridgeConfig   `toml:"bridge" mapstructure:"bridge"`
	Runtime  RuntimeConfig  `toml:"runtime" mapstructure:"runtime"`
	Manifest ManifestConfig `toml:"manifest" mapstructure:"manifest"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
}

// BackendConfig is the supervised backend plus where it serves.
type BackendConfig struct {
	supervisor.Spec `mapstructure:",squash"`
	URL             string `toml:"url" mapstructure:"url"`
	HealthPath      string `toml:"health_path" mapstructure:"health_path"`
}

// HealthURL joins URL and HealthPath.
func (b BackendConfig) HealthURL() string {
	return strings.TrimRight(b.URL, "/") + "/" + strings.TrimLeft(b.HealthPath, "/")
}

type HealthConfig struct {
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
	Timeout  time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type BridgeConfig struct {
	Enabled        bool          `toml:"enabled" mapstructure:"enabled"`
	Endpoint       string        `toml:"endpoint" mapstructure:"endpoint"`
	RequestTimeout time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
	// Methods the helper relays; empty means every backend method.
	Methods []string `toml:"methods" mapstructure:"methods"`
}

// RuntimeConfig controls the optional local model runtime.
type RuntimeConfig struct {
	Enabled     bool          `toml:"enabled" mapstructure:"enabled"`
	BaseURL     string        `toml:"base_url" mapstructure:"base_url"`
	Command     string        `toml:"command" mapstructure:"command"`
	StopWait    time.Duration `toml:"stop_wait" mapstructure:"stop_wait"`
	DownloadURL string        `toml:"download_url" mapstructure:"download_url"`
	Model       string        `toml:"model" mapstructure:"model"`
}

type ManifestConfig struct {
	Enabled    bool     `toml:"enabled" mapstructure:"enabled"`
	HelperPath string   `toml:"helper_path" mapstructure:"helper_path"`
	ChromeIDs  []string `toml:"chrome_ids" mapstructure:"chrome_ids"`
	FirefoxIDs []string `toml:"firefox_ids" mapstructure:"firefox_ids"`
}

// ServerConfig is the loopback control API.
type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// HistoryConfig lists lifecycle journal destinations (sqlite path,
// postgres:// or clickhouse:// DSNs).
type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

func setDefaults(v *viper.Viper, home string) {
	dataDir := filepath.Join(home, ".think")
	v.SetDefault("use_os_env", true)
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.file.dir", filepath.Join(dataDir, "logs"))

	v.SetDefault("backend.name", "backend")
	v.SetDefault("backend.prod_path", "")
	v.SetDefault("backend.dev_command", "")
	v.SetDefault("backend.dev_work_dir", "")
	v.SetDefault("backend.pid_file", filepath.Join(dataDir, "backend.pid"))
	v.SetDefault("backend.stop_wait", 5*time.Second)
	v.SetDefault("backend.output_queue", 256)
	v.SetDefault("backend.log.file.dir", filepath.Join(dataDir, "logs"))
	v.SetDefault("backend.log.file.max_size_mb", 10)
	v.SetDefault("backend.log.file.max_backups", 3)
	v.SetDefault("backend.url", "http://127.0.0.1:8765")
	v.SetDefault("backend.health_path", "/health")

	v.SetDefault("health.interval", health.DefaultInterval)
	v.SetDefault("health.timeout", health.DefaultTimeout)

	v.SetDefault("bridge.enabled", true)
	v.SetDefault("bridge.endpoint", bridge.DefaultEndpoint(home))
	v.SetDefault("bridge.request_timeout", bridge.DefaultRequestTimeout)

	v.SetDefault("runtime.enabled", false)
	v.SetDefault("runtime.base_url", "http://localhost:11434")
	v.SetDefault("runtime.command", "ollama serve")
	v.SetDefault("runtime.stop_wait", 5*time.Second)
	v.SetDefault("runtime.download_url", "")
	v.SetDefault("runtime.model", "")

	v.SetDefault("manifest.enabled", true)
	v.SetDefault("manifest.helper_path", "")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:8766")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("history.dsns", []string{filepath.Join(dataDir, "history.db")})
}

// Load reads path (TOML) over the defaults, applies THINKD_* overrides and
// validates the result. An empty path looks for thinkd.toml in ~/.think and
// proceeds without a file when none is found.
func Load(path string) (*Config, error) {
	c, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Read is Load without validation, for commands that only need part of the
// configuration.
func Read(path string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return read(path, home)
}

func load(path, home string) (*Config, error) {
	c, err := read(path, home)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func read(path, home string) (*Config, error) {
	v := viper.New()
	setDefaults(v, home)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("thinkd")
		v.AddConfigPath(filepath.Join(home, ".think"))
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.expandHome(home)
	return &cfg, nil
}

func expand(p, home string) string {
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

func (c *Config) expandHome(home string) {
	c.DataDir = expand(c.DataDir, home)
	c.Log.Slog.Path = expand(c.Log.Slog.Path, home)
	c.Log.File.Dir = expand(c.Log.File.Dir, home)
	c.Backend.ProdPath = expand(c.Backend.ProdPath, home)
	c.Backend.DevWorkDir = expand(c.Backend.DevWorkDir, home)
	c.Backend.PIDFile = expand(c.Backend.PIDFile, home)
	c.Backend.Log.File.Dir = expand(c.Backend.Log.File.Dir, home)
	c.Bridge.Endpoint = expand(c.Bridge.Endpoint, home)
	c.Manifest.HelperPath = expand(c.Manifest.HelperPath, home)
	for i, f := range c.EnvFiles {
		c.EnvFiles[i] = expand(f, home)
	}
	for i, d := range c.History.DSNs {
		c.History.DSNs[i] = expand(d, home)
	}
}

// Validate reports the first inconsistency in c.
func (c *Config) Validate() error {
	if c.Backend.Name == "" {
		return errors.New("backend.name is required")
	}
	if c.Backend.ProdPath == "" && c.Backend.DevCommand == "" {
		return errors.New("backend requires prod_path or dev_command")
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.url %q is not an absolute URL", c.Backend.URL)
	}
	if c.Health.Interval <= 0 {
		return errors.New("health.interval must be positive")
	}
	if c.Health.Timeout < c.Health.Interval {
		return fmt.Errorf("health.timeout (%s) must not be shorter than health.interval (%s)", c.Health.Timeout, c.Health.Interval)
	}
	if c.Bridge.Enabled {
		if c.Bridge.Endpoint == "" {
			return errors.New("bridge.endpoint is required when the bridge is enabled")
		}
		if c.Bridge.RequestTimeout <= 0 {
			return errors.New("bridge.request_timeout must be positive")
		}
	}
	if c.Runtime.Enabled && strings.TrimSpace(c.Runtime.Command) == "" {
		return errors.New("runtime.command is required when the runtime is enabled")
	}
	if c.Server.Enabled {
		if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
			return fmt.Errorf("server.listen %q: %w", c.Server.Listen, err)
		}
	}
	return nil
}

// GlobalEnv merges the configured environment. Precedence: OS env (when
// use_os_env) provides the base, env_files are applied in order, then the
// top-level env list overrides last. The result is sorted.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i > 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting
// with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
