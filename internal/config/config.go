// Package config loads and validates feed reader configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bryan-buckman/feedreader/internal/database"
	"github.com/bryan-buckman/feedreader/internal/model"
)

// Version is reported in the fetcher's user agent and by the CLI.
const Version = "0.1.0"

// DefaultUserAgent identifies the crawler to feed hosts.
const DefaultUserAgent = "feedreader/" + Version + " (feedreader; Go variant)"

// Config captures all configuration knobs.
type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Refresh   RefreshConfig   `mapstructure:"refresh"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Highlight HighlightConfig `mapstructure:"highlight"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DBConfig locates the database file.
type DBConfig struct {
	Name string `mapstructure:"name"`
	Dir  string `mapstructure:"dir"`
}

// RefreshConfig governs the refresh cycle schedule.
type RefreshConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Slack          float64       `mapstructure:"slack"`
	GCAge          time.Duration `mapstructure:"gc_age"`
	SleepMargin    time.Duration `mapstructure:"sleep_margin"`
	ErrorSleep     time.Duration `mapstructure:"error_sleep"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

// FetchConfig controls outbound HTTP.
type FetchConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	HostRPS   float64       `mapstructure:"host_rps"`
	HostBurst int           `mapstructure:"host_burst"`
}

// HighlightConfig decides which accepted items notify the reader.
type HighlightConfig struct {
	Mode           string   `mapstructure:"mode"`
	TitleDeny      []string `mapstructure:"title_deny"`
	SummaryDeny    []string `mapstructure:"summary_deny"`
	LinkDeny       []string `mapstructure:"link_deny"`
	MarkDeniedSeen bool     `mapstructure:"mark_denied_seen"`
}

// DaemonConfig holds the supervisor policy.
type DaemonConfig struct {
	PidFile          string `mapstructure:"pid_file"`
	FailurePenalty   int    `mapstructure:"failure_penalty"`
	SuccessCredit    int    `mapstructure:"success_credit"`
	FailureThreshold int    `mapstructure:"failure_threshold"`
}

// ServerConfig controls the admin HTTP server. An empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from defaults, the optional file at path, and
// FEEDREADER_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEEDREADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.name", "feeds")
	v.SetDefault("db.dir", database.DefaultDir())
	v.SetDefault("refresh.interval", "10m")
	v.SetDefault("refresh.slack", 0.1)
	v.SetDefault("refresh.gc_age", "8760h")
	v.SetDefault("refresh.sleep_margin", "1s")
	v.SetDefault("refresh.error_sleep", "60s")
	v.SetDefault("refresh.max_concurrency", 1)
	v.SetDefault("fetch.timeout", "10s")
	v.SetDefault("fetch.user_agent", DefaultUserAgent)
	v.SetDefault("fetch.host_rps", 0)
	v.SetDefault("fetch.host_burst", 1)
	v.SetDefault("highlight.mode", string(model.HighlightNew))
	v.SetDefault("highlight.title_deny", []string{})
	v.SetDefault("highlight.summary_deny", []string{})
	v.SetDefault("highlight.link_deny", []string{})
	v.SetDefault("highlight.mark_denied_seen", false)
	v.SetDefault("daemon.pid_file", "/run/feedsd/feedsd.pid")
	v.SetDefault("daemon.failure_penalty", 3)
	v.SetDefault("daemon.success_credit", 1)
	v.SetDefault("daemon.failure_threshold", 9)
	v.SetDefault("server.addr", "")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if !database.ValidName(c.DB.Name) {
		return fmt.Errorf("db.name: %w: %q", database.ErrInvalidName, c.DB.Name)
	}
	if c.DB.Dir == "" {
		return fmt.Errorf("db.dir must be set")
	}
	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh.interval must be > 0")
	}
	if c.Refresh.Slack < 0 || c.Refresh.Slack > 1 {
		return fmt.Errorf("refresh.slack must be within [0, 1]")
	}
	if c.Refresh.GCAge <= 0 {
		return fmt.Errorf("refresh.gc_age must be > 0")
	}
	if c.Refresh.SleepMargin < 0 || c.Refresh.ErrorSleep < 0 {
		return fmt.Errorf("refresh.sleep_margin and refresh.error_sleep must be >= 0")
	}
	if c.Refresh.MaxConcurrency <= 0 {
		return fmt.Errorf("refresh.max_concurrency must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.HostRPS < 0 {
		return fmt.Errorf("fetch.host_rps must be >= 0")
	}
	if c.Fetch.HostRPS > 0 && c.Fetch.HostBurst <= 0 {
		return fmt.Errorf("fetch.host_burst must be > 0 when fetch.host_rps is set")
	}
	if _, err := c.Highlight.HighlightMode(); err != nil {
		return err
	}
	if _, err := c.Highlight.Filter(); err != nil {
		return err
	}
	if c.Daemon.FailurePenalty <= 0 || c.Daemon.FailureThreshold <= 0 {
		return fmt.Errorf("daemon.failure_penalty and daemon.failure_threshold must be > 0")
	}
	if c.Daemon.SuccessCredit < 0 {
		return fmt.Errorf("daemon.success_credit must be >= 0")
	}
	return nil
}

// HighlightMode parses Highlight.Mode.
func (h HighlightConfig) HighlightMode() (model.HighlightMode, error) {
	switch m := model.HighlightMode(strings.ToLower(h.Mode)); m {
	case model.HighlightAll, model.HighlightNew:
		return m, nil
	default:
		return "", fmt.Errorf("highlight.mode must be %q or %q, got %q",
			model.HighlightAll, model.HighlightNew, h.Mode)
	}
}

// DenyFilter holds the compiled "do not highlight" patterns.
type DenyFilter struct {
	Title    []*regexp.Regexp
	Summary  []*regexp.Regexp
	Link     []*regexp.Regexp
	MarkSeen bool
}

// Filter compiles the deny lists.
func (h HighlightConfig) Filter() (DenyFilter, error) {
	var f DenyFilter
	var err error
	if f.Title, err = compileAll("highlight.title_deny", h.TitleDeny); err != nil {
		return DenyFilter{}, err
	}
	if f.Summary, err = compileAll("highlight.summary_deny", h.SummaryDeny); err != nil {
		return DenyFilter{}, err
	}
	if f.Link, err = compileAll("highlight.link_deny", h.LinkDeny); err != nil {
		return DenyFilter{}, err
	}
	f.MarkSeen = h.MarkDeniedSeen
	return f, nil
}

func compileAll(key string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Denies reports whether any pattern matches the item.
func (f DenyFilter) Denies(it *model.Item) bool {
	return anyMatch(f.Title, it.Title) || anyMatch(f.Summary, it.Summary) || anyMatch(f.Link, it.Link)
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// DBPath returns the database file path.
func (c Config) DBPath() (string, error) {
	return database.Path(c.DB.Dir, c.DB.Name)
}
