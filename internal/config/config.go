// Package config loads supervisor settings: built-in defaults, then an
// optional TOML file, then KEEPALIVE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/keepalive/internal/env"
	"github.com/loykin/keepalive/internal/logger"
	"github.com/loykin/keepalive/internal/logscan"
	"github.com/loykin/keepalive/internal/recovery"
	"github.com/loykin/keepalive/internal/refresh"
	ktls "github.com/loykin/keepalive/internal/tls"
)

// EnvPrefix namespaces environment overrides: health.url is KEEPALIVE_HEALTH_URL.
const EnvPrefix = "KEEPALIVE"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

type HealthConfig struct {
	URL         string        `mapstructure:"url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	WarnAge     time.Duration `mapstructure:"warn_age"`
	CriticalAge time.Duration `mapstructure:"critical_age"`
}

type ReaperConfig struct {
	Grace       time.Duration `mapstructure:"grace"`
	BotPatterns []string      `mapstructure:"bot_patterns"`
	AllPatterns []string      `mapstructure:"all_patterns"`
}

// ChildConfig describes a process the supervisor may (re)spawn.
type ChildConfig struct {
	Name     string   `mapstructure:"name"`
	Command  string   `mapstructure:"command"`
	Cmdline  string   `mapstructure:"cmdline"` // expected command-line substring
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	Detached bool     `mapstructure:"detached"`

	// SpawnOnStart launches the child at startup when no instance is running.
	SpawnOnStart bool `mapstructure:"spawn_on_start"`
}

type WatchdogConfig struct {
	Cmdline string `mapstructure:"cmdline"` // identifies a live supervisor holding the claim
}

type RefreshConfig struct {
	File       string   `mapstructure:"file"`
	CacheFiles []string `mapstructure:"cache_files"`
}

type LogScanConfig struct {
	Files     []string      `mapstructure:"files"`
	Patterns  []string      `mapstructure:"patterns"`
	Window    time.Duration `mapstructure:"window"`
	TailBytes int64         `mapstructure:"tail_bytes"`
}

type ServerConfig struct {
	Listen string        `mapstructure:"listen"`
	TLS    ktls.Settings `mapstructure:"tls"`
}

type HistoryConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

type ResourcesConfig struct {
	Threshold float64 `mapstructure:"threshold"` // percent
	DiskPath  string  `mapstructure:"disk_path"`
}

type Config struct {
	Watchdog      WatchdogConfig  `mapstructure:"watchdog"`
	Health        HealthConfig    `mapstructure:"health"`
	CheckInterval time.Duration   `mapstructure:"check_interval"`
	WorkDir       string          `mapstructure:"work_dir"`
	PIDDir        string          `mapstructure:"pid_dir"`
	Recovery      recovery.Policy `mapstructure:"recovery"`
	Reaper        ReaperConfig    `mapstructure:"reaper"`
	Bot           ChildConfig     `mapstructure:"bot"`
	Web           ChildConfig     `mapstructure:"web"`
	Refresh       RefreshConfig   `mapstructure:"refresh"`
	LogScan       LogScanConfig   `mapstructure:"logscan"`
	Log           logger.Config   `mapstructure:"log"`
	StatusFile    string          `mapstructure:"status_file"`
	Server        ServerConfig    `mapstructure:"server"`
	History       HistoryConfig   `mapstructure:"history"`
	Resources     ResourcesConfig `mapstructure:"resources"`
}

func setDefaults(v *viper.Viper) {
	p := recovery.DefaultPolicy()
	defaults := map[string]any{
		"watchdog.cmdline":      "keepalive",
		"health.url":            "http://127.0.0.1:5000/healthz",
		"health.timeout":        5 * time.Second,
		"health.warn_age":       120 * time.Second,
		"health.critical_age":   300 * time.Second,
		"check_interval":        15 * time.Second,
		"work_dir":              ".",
		"pid_dir":               ".",
		"recovery.soft_max":     p.SoftMax,
		"recovery.kill_max":     p.KillMax,
		"recovery.window":       p.Window,
		"recovery.max_attempts": p.MaxAttempts,
		"recovery.cooldown":     p.Cooldown,
		"recovery.base_wait":    p.BaseWait,
		"recovery.max_wait":     p.MaxWait,
		"recovery.grace":        p.Grace,
		"recovery.auth_jump":    p.AuthJump,
		"reaper.grace":          3 * time.Second,
		"reaper.bot_patterns":   []string{"bot.py"},
		"reaper.all_patterns":   []string{"main.py", "bot.py", "gunicorn", "keep_running.py", "health_monitor.py", "token_reset_monitor.py"},
		"bot.name":              "bot",
		"bot.command":           "python bot.py",
		"bot.cmdline":           "bot.py",
		"bot.env":               []string{},
		"bot.env_files":         []string{},
		"bot.detached":          true,
		"bot.spawn_on_start":    true,
		"web.name":              "web",
		"web.command":           "",
		"web.cmdline":           "main.py",
		"web.env":               []string{},
		"web.env_files":         []string{},
		"web.detached":          true,
		"web.spawn_on_start":    false,
		"refresh.file":          refresh.DefaultFile,
		"refresh.cache_files":   refresh.DefaultCacheFiles,
		"logscan.files":         []string{"bot_errors.log", "bot.log", "logs/gunicorn.log"},
		"logscan.patterns":      logscan.AuthPatterns,
		"logscan.window":        logscan.DefaultWindow,
		"logscan.tail_bytes":    logscan.DefaultTailBytes,
		"log.slog.level":        logger.LevelInfo,
		"log.slog.format":       logger.FormatText,
		"log.slog.color":        false,
		"log.slog.timestamps":   true,
		"log.slog.source":       false,
		"log.slog.path":         "",
		"log.file.dir":          "logs",
		"log.file.stdout_path":  "",
		"log.file.stderr_path":  "",
		"log.file.max_size_mb":  logger.DefaultMaxSizeMB,
		"log.file.max_backups":  logger.DefaultMaxBackups,
		"log.file.max_age_days": logger.DefaultMaxAgeDays,
		"log.file.compress":     false,
		"status_file":           "keepalive_status.json",
		"server.listen":         "",
		"history.dsn":           "",
		"history.table":         "recovery_history",
		"resources.threshold":   90.0,
		"resources.disk_path":   "/",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// declared so KEEPALIVE_SERVER_TLS_* overrides are seen
	tlsDefaults := map[string]any{
		"enabled":       false,
		"dir":           "",
		"cert_file":     "",
		"key_file":      "",
		"auto_generate": false,
		"min_version":   "1.3",
		"max_version":   "1.3",
		"common_name":   "localhost",
		"hosts":         []string{"localhost", "127.0.0.1"},
		"valid_days":    365 * 5,
	}
	for k, val := range tlsDefaults {
		v.SetDefault("server.tls."+k, val)
	}
}

// Load reads configuration. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.resolvePaths()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Path resolves p against WorkDir unless it is absolute or empty.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.WorkDir, p)
}

// Paths resolves each of ps against WorkDir.
func (c *Config) Paths(ps []string) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = c.Path(p)
	}
	return out
}

func (c *Config) resolvePaths() {
	if c.WorkDir == "" {
		c.WorkDir = "."
	}
	c.PIDDir = c.Path(c.PIDDir)
	c.StatusFile = c.Path(c.StatusFile)
	c.Refresh.File = c.Path(c.Refresh.File)
	c.Log.File.Dir = c.Path(c.Log.File.Dir)
	c.Log.Slog.Path = c.Path(c.Log.Slog.Path)
	c.Server.TLS.Dir = c.Path(c.Server.TLS.Dir)
	c.Server.TLS.CertFile = c.Path(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = c.Path(c.Server.TLS.KeyFile)
}

// Validate rejects settings the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if strings.TrimSpace(c.Health.URL) == "" {
		bad("health.url is required")
	}
	if c.Health.Timeout <= 0 {
		bad("health.timeout must be positive")
	}
	if c.Health.WarnAge <= 0 || c.Health.CriticalAge < c.Health.WarnAge {
		bad("health.critical_age (%s) must be >= health.warn_age (%s) > 0", c.Health.CriticalAge, c.Health.WarnAge)
	}
	if c.CheckInterval <= 0 {
		bad("check_interval must be positive")
	}
	r := c.Recovery
	if r.SoftMax < 1 {
		bad("recovery.soft_max must be >= 1")
	}
	if r.KillMax < r.SoftMax {
		bad("recovery.kill_max (%d) must be >= recovery.soft_max (%d)", r.KillMax, r.SoftMax)
	}
	if r.Window <= 0 {
		bad("recovery.window must be positive")
	}
	if r.MaxAttempts < 0 {
		bad("recovery.max_attempts must not be negative")
	}
	if r.BaseWait <= 0 || r.MaxWait < r.BaseWait {
		bad("recovery.max_wait (%s) must be >= recovery.base_wait (%s) > 0", r.MaxWait, r.BaseWait)
	}
	if r.Grace < 0 || r.Cooldown < 0 {
		bad("recovery.grace and recovery.cooldown must not be negative")
	}
	if c.Reaper.Grace <= 0 {
		bad("reaper.grace must be positive")
	}
	if len(strings.TrimSpace(c.Watchdog.Cmdline)) < 3 {
		bad("watchdog.cmdline must be at least 3 characters")
	}
	if strings.TrimSpace(c.Bot.Command) == "" {
		bad("bot.command is required")
	}
	if c.LogScan.Window <= 0 {
		bad("logscan.window must be positive")
	}
	if c.Resources.Threshold <= 0 || c.Resources.Threshold > 100 {
		bad("resources.threshold must be in (0,100]")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}
	return errors.Join(errs...)
}

// ChildEnv merges a child's env files and env list into KEY=VALUE pairs;
// later entries win, and the env list is applied last.
func (c *Config) ChildEnv(cc ChildConfig) ([]string, error) {
	l := env.New()
	for _, p := range cc.EnvFiles {
		pairs, err := env.LoadFile(c.Path(p))
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		l.Apply(pairs)
	}
	return l.Apply(cc.Env).Pairs(), nil
}
