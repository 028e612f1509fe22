package config

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete feedgraph configuration
type Config struct {
	Identity   Identity        `yaml:"identity"`
	API        API             `yaml:"api"`
	Polling    Polling         `yaml:"polling"`
	Visibility Visibility      `yaml:"visibility"`
	Emitter    Emitter         `yaml:"emitter"`
	Logging    Logging         `yaml:"logging"`
	Accounts   []AccountConfig `yaml:"accounts"`
}

// Identity selects which registered account counts as "me"
type Identity struct {
	ActiveAccount string `yaml:"active_account"` // handle; empty means first registered account
}

// API contains remote social API settings
type API struct {
	BaseURL       string  `yaml:"base_url"`
	TimeoutMs     int     `yaml:"timeout_ms"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	MaxLists      int     `yaml:"max_lists"` // lists polled per account, 0 = unlimited
}

// Timeout returns the per-request HTTP timeout
func (a *API) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// AccountConfig is a single account the poller signs in as
type AccountConfig struct {
	Handle string `yaml:"handle"`
	Token  string `yaml:"token"`
}

// Polling contains per-category poll intervals
type Polling struct {
	TickSeconds          int `yaml:"tick_seconds"`
	HomeSeconds          int `yaml:"home_seconds"`
	MentionsSeconds      int `yaml:"mentions_seconds"`
	ListsSeconds         int `yaml:"lists_seconds"`
	FetchTimeoutSeconds  int `yaml:"fetch_timeout_seconds"`
	MaxConcurrentFetches int `yaml:"max_concurrent_fetches"`
}

// Interval bounds in seconds, inclusive
const (
	MinHomeSeconds     = 5
	MaxHomeSeconds     = 60
	MinMentionsSeconds = 12
	MaxMentionsSeconds = 60
	MinListsSeconds    = 1
	MaxListsSeconds    = 60
)

// Tick returns the scheduler loop period
func (p *Polling) Tick() time.Duration {
	return time.Duration(p.TickSeconds) * time.Second
}

// HomeInterval returns the minimum time between home timeline fetches
func (p *Polling) HomeInterval() time.Duration {
	return time.Duration(p.HomeSeconds) * time.Second
}

// MentionsInterval returns the minimum time between mentions fetches
func (p *Polling) MentionsInterval() time.Duration {
	return time.Duration(p.MentionsSeconds) * time.Second
}

// ListsInterval returns the minimum time between fetches of one list
func (p *Polling) ListsInterval() time.Duration {
	return time.Duration(p.ListsSeconds) * time.Second
}

// FetchTimeout bounds a single source fetch
func (p *Polling) FetchTimeout() time.Duration {
	return time.Duration(p.FetchTimeoutSeconds) * time.Second
}

// Visibility decides whether engagement bumps a post's modified time
type Visibility struct {
	ResharedByAnyoneBumps  bool `yaml:"reshared_by_anyone_bumps"`
	ResharedByMyselfBumps  bool `yaml:"reshared_by_myself_bumps"`
	FavoritedByAnyoneBumps bool `yaml:"favorited_by_anyone_bumps"`
	FavoritedByMyselfBumps bool `yaml:"favorited_by_myself_bumps"`
}

// Emitter contains batch coalescing settings
type Emitter struct {
	WindowMs int `yaml:"window_ms"`
	Capacity int `yaml:"capacity"`
}

// Window returns the coalescing window
func (e *Emitter) Window() time.Duration {
	return time.Duration(e.WindowMs) * time.Millisecond
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// applyDefaults fills in missing configuration fields with sensible defaults
func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = defaults.API.BaseURL
	}
	if cfg.API.TimeoutMs == 0 {
		cfg.API.TimeoutMs = defaults.API.TimeoutMs
	}
	if cfg.API.RatePerSecond == 0 {
		cfg.API.RatePerSecond = defaults.API.RatePerSecond
	}
	if cfg.API.Burst == 0 {
		cfg.API.Burst = defaults.API.Burst
	}

	if cfg.Polling.TickSeconds == 0 {
		cfg.Polling.TickSeconds = defaults.Polling.TickSeconds
	}
	if cfg.Polling.HomeSeconds == 0 {
		cfg.Polling.HomeSeconds = defaults.Polling.HomeSeconds
	}
	if cfg.Polling.MentionsSeconds == 0 {
		cfg.Polling.MentionsSeconds = defaults.Polling.MentionsSeconds
	}
	if cfg.Polling.ListsSeconds == 0 {
		cfg.Polling.ListsSeconds = defaults.Polling.ListsSeconds
	}
	if cfg.Polling.FetchTimeoutSeconds == 0 {
		cfg.Polling.FetchTimeoutSeconds = defaults.Polling.FetchTimeoutSeconds
	}
	if cfg.Polling.MaxConcurrentFetches == 0 {
		cfg.Polling.MaxConcurrentFetches = defaults.Polling.MaxConcurrentFetches
	}

	if cfg.Emitter.WindowMs == 0 {
		cfg.Emitter.WindowMs = defaults.Emitter.WindowMs
	}
	if cfg.Emitter.Capacity == 0 {
		cfg.Emitter.Capacity = defaults.Emitter.Capacity
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration data, then applies defaults,
// environment overrides and validation
func Parse(data []byte) (*Config, error) {
	// Visibility flags default to true unless the file says otherwise,
	// so start from defaults rather than the zero value.
	cfg := Config{Visibility: Default().Visibility}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) error {
	if baseURL := os.Getenv("FEEDGRAPH_API_BASE_URL"); baseURL != "" {
		cfg.API.BaseURL = baseURL
	}

	// FEEDGRAPH_TOKEN_<HANDLE> replaces the token of that account
	for i := range cfg.Accounts {
		key := "FEEDGRAPH_TOKEN_" + strings.ToUpper(cfg.Accounts[i].Handle)
		if token := os.Getenv(key); token != "" {
			cfg.Accounts[i].Token = token
		}
	}

	if level := os.Getenv("FEEDGRAPH_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}

	return nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		API: API{
			BaseURL:       "https://api.twitter.com/1.1",
			TimeoutMs:     20000,
			RatePerSecond: 2,
			Burst:         4,
			MaxLists:      0,
		},
		Polling: Polling{
			TickSeconds:          15,
			HomeSeconds:          15,
			MentionsSeconds:      30,
			ListsSeconds:         15,
			FetchTimeoutSeconds:  30,
			MaxConcurrentFetches: 8,
		},
		Visibility: Visibility{
			ResharedByAnyoneBumps:  true,
			ResharedByMyselfBumps:  false,
			FavoritedByAnyoneBumps: true,
			FavoritedByMyselfBumps: false,
		},
		Emitter: Emitter{
			WindowMs: 100,
			Capacity: 65536,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// validLogLevels defines allowed log levels
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validLogFormats defines allowed log formats
var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// Validate checks if a configuration is valid
func Validate(cfg *Config) error {
	// Validate API
	if !strings.HasPrefix(cfg.API.BaseURL, "https://") && !strings.HasPrefix(cfg.API.BaseURL, "http://") {
		return fmt.Errorf("api.base_url must start with http:// or https://: %s", cfg.API.BaseURL)
	}
	if cfg.API.TimeoutMs < 0 {
		return fmt.Errorf("api.timeout_ms must not be negative")
	}
	if cfg.API.RatePerSecond <= 0 {
		return fmt.Errorf("api.rate_per_second must be positive")
	}
	if cfg.API.Burst < 1 {
		return fmt.Errorf("api.burst must be at least 1")
	}
	if cfg.API.MaxLists < 0 {
		return fmt.Errorf("api.max_lists must not be negative")
	}

	// Validate poll intervals
	if cfg.Polling.TickSeconds < 1 {
		return fmt.Errorf("polling.tick_seconds must be at least 1")
	}
	if err := checkRange("polling.home_seconds", cfg.Polling.HomeSeconds, MinHomeSeconds, MaxHomeSeconds); err != nil {
		return err
	}
	if err := checkRange("polling.mentions_seconds", cfg.Polling.MentionsSeconds, MinMentionsSeconds, MaxMentionsSeconds); err != nil {
		return err
	}
	if err := checkRange("polling.lists_seconds", cfg.Polling.ListsSeconds, MinListsSeconds, MaxListsSeconds); err != nil {
		return err
	}
	if cfg.Polling.FetchTimeoutSeconds < 1 {
		return fmt.Errorf("polling.fetch_timeout_seconds must be at least 1")
	}
	if cfg.Polling.MaxConcurrentFetches < 1 {
		return fmt.Errorf("polling.max_concurrent_fetches must be at least 1")
	}

	// Validate emitter
	if cfg.Emitter.WindowMs < 1 || cfg.Emitter.WindowMs > 10000 {
		return fmt.Errorf("emitter.window_ms must be between 1 and 10000")
	}
	if cfg.Emitter.Capacity < 1 {
		return fmt.Errorf("emitter.capacity must be at least 1")
	}

	// Validate logging
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be one of: text, json)", cfg.Logging.Format)
	}

	// Validate accounts
	seen := make(map[string]bool)
	for i, account := range cfg.Accounts {
		if account.Handle == "" {
			return fmt.Errorf("accounts[%d].handle is required", i)
		}
		if strings.ContainsAny(account.Handle, "- @") {
			return fmt.Errorf("accounts[%d].handle must not contain '-', '@' or spaces: %s", i, account.Handle)
		}
		if seen[account.Handle] {
			return fmt.Errorf("duplicate account handle: %s", account.Handle)
		}
		seen[account.Handle] = true
	}
	if cfg.Identity.ActiveAccount != "" && len(cfg.Accounts) > 0 && !seen[cfg.Identity.ActiveAccount] {
		return fmt.Errorf("identity.active_account %q is not a configured account", cfg.Identity.ActiveAccount)
	}

	return nil
}

func checkRange(field string, value, min, max int) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d", field, min, max)
	}
	return nil
}
