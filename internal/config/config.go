// File: internal/config/config.go
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Index() IndexConfig
	Budget() BudgetConfig
	Observer() ObserverConfig
	Scan() ScanConfig
	Maintenance() MaintenanceConfig
	Bridge() BridgeConfig
	Health() HealthConfig
	Browser() BrowserConfig
	Metrics() MetricsConfig

	// Index Setters
	SetIndexMaxCacheSize(int)
	SetIndexResultLimit(int)

	// Budget Setters
	SetBudgetOperationBudget(time.Duration)

	// Observer Setters
	SetObserverBatchSize(int)

	// Bridge Setters
	SetBridgeHandlerBudget(time.Duration)
	SetBridgeMaxResponseBytes(int)
	SetBridgeTrustedOrigins([]string)

	// Browser Setters
	SetBrowserEnabled(bool)
}

// Config holds the entire application configuration.
// Fields are exported so viper can unmarshal into them; callers should go
// through the Interface getters.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	IndexCfg       IndexConfig       `mapstructure:"index" yaml:"index"`
	BudgetCfg      BudgetConfig      `mapstructure:"budget" yaml:"budget"`
	ObserverCfg    ObserverConfig    `mapstructure:"observer" yaml:"observer"`
	ScanCfg        ScanConfig        `mapstructure:"scan" yaml:"scan"`
	MaintenanceCfg MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
	BridgeCfg      BridgeConfig      `mapstructure:"bridge" yaml:"bridge"`
	HealthCfg      HealthConfig      `mapstructure:"health" yaml:"health"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	MetricsCfg     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Index() IndexConfig             { return c.IndexCfg }
func (c *Config) Budget() BudgetConfig           { return c.BudgetCfg }
func (c *Config) Observer() ObserverConfig       { return c.ObserverCfg }
func (c *Config) Scan() ScanConfig               { return c.ScanCfg }
func (c *Config) Maintenance() MaintenanceConfig { return c.MaintenanceCfg }
func (c *Config) Bridge() BridgeConfig           { return c.BridgeCfg }
func (c *Config) Health() HealthConfig           { return c.HealthCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Metrics() MetricsConfig         { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

// Index Setters
func (c *Config) SetIndexMaxCacheSize(n int) { c.IndexCfg.MaxCacheSize = n }
func (c *Config) SetIndexResultLimit(n int)  { c.IndexCfg.ResultLimit = n }

// Budget Setters
func (c *Config) SetBudgetOperationBudget(d time.Duration) { c.BudgetCfg.OperationBudget = d }

// Observer Setters
func (c *Config) SetObserverBatchSize(n int) { c.ObserverCfg.BatchSize = n }

// Bridge Setters
func (c *Config) SetBridgeHandlerBudget(d time.Duration) { c.BridgeCfg.HandlerBudget = d }
func (c *Config) SetBridgeMaxResponseBytes(n int)        { c.BridgeCfg.MaxResponseBytes = n }
func (c *Config) SetBridgeTrustedOrigins(origins []string) {
	c.BridgeCfg.TrustedOrigins = append([]string(nil), origins...)
}

// Browser Setters
func (c *Config) SetBrowserEnabled(b bool) { c.BrowserCfg.Enabled = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// IndexConfig governs the multi-index element cache.
type IndexConfig struct {
	MaxCacheSize       int `mapstructure:"max_cache_size" yaml:"max_cache_size"`
	MinCacheSize       int `mapstructure:"min_cache_size" yaml:"min_cache_size"`
	MaxTextLength      int `mapstructure:"max_text_length" yaml:"max_text_length"`
	IdentityTextLength int `mapstructure:"identity_text_length" yaml:"identity_text_length"`
	ResultLimit        int `mapstructure:"result_limit" yaml:"result_limit"`
	FallbackLimit      int `mapstructure:"fallback_limit" yaml:"fallback_limit"`
	ViewportHeight     int `mapstructure:"viewport_height" yaml:"viewport_height"`
}

// BudgetConfig bounds the time and memory that indexing work may consume.
type BudgetConfig struct {
	OperationBudget time.Duration `mapstructure:"operation_budget" yaml:"operation_budget"`
	MemoryCeilingMB int           `mapstructure:"memory_ceiling_mb" yaml:"memory_ceiling_mb"`
	StatsWindow     int           `mapstructure:"stats_window" yaml:"stats_window"`
	DrainDelay      time.Duration `mapstructure:"drain_delay" yaml:"drain_delay"`
	MaxQueue        int           `mapstructure:"max_queue" yaml:"max_queue"`
	AdaptInterval   time.Duration `mapstructure:"adapt_interval" yaml:"adapt_interval"`
}

// ObserverConfig tunes incremental change processing.
type ObserverConfig struct {
	BatchSize           int           `mapstructure:"batch_size" yaml:"batch_size"`
	MinBatchSize        int           `mapstructure:"min_batch_size" yaml:"min_batch_size"`
	BatchWindow         time.Duration `mapstructure:"batch_window" yaml:"batch_window"`
	DrainDelay          time.Duration `mapstructure:"drain_delay" yaml:"drain_delay"`
	MaxDiscoverPerBatch int           `mapstructure:"max_discover_per_batch" yaml:"max_discover_per_batch"`
}

// ScanConfig controls the initial and forced full document scans.
type ScanConfig struct {
	InitialTimeout time.Duration `mapstructure:"initial_timeout" yaml:"initial_timeout"`
	ChunkSize      int           `mapstructure:"chunk_size" yaml:"chunk_size"`
}

// MaintenanceConfig controls the periodic staleness sweep and consistency checks.
type MaintenanceConfig struct {
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	MinSweepInterval time.Duration `mapstructure:"min_sweep_interval" yaml:"min_sweep_interval"`
	PendingTimeout   time.Duration `mapstructure:"pending_timeout" yaml:"pending_timeout"`
}

// BridgeConfig configures the cross-boundary message protocol and its transport.
type BridgeConfig struct {
	ListenAddr         string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	SameOrigin         string        `mapstructure:"same_origin" yaml:"same_origin"`
	TrustedOrigins     []string      `mapstructure:"trusted_origins" yaml:"trusted_origins"`
	TrustedPatterns    []string      `mapstructure:"trusted_patterns" yaml:"trusted_patterns"`
	MaxResponseBytes   int           `mapstructure:"max_response_bytes" yaml:"max_response_bytes"`
	ShrinkFactor       float64       `mapstructure:"shrink_factor" yaml:"shrink_factor"`
	HandlerBudget      time.Duration `mapstructure:"handler_budget" yaml:"handler_budget"`
	StrictPayloadBytes int           `mapstructure:"strict_payload_bytes" yaml:"strict_payload_bytes"`
	BroadcastResponses bool          `mapstructure:"broadcast_responses" yaml:"broadcast_responses"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// HealthConfig holds the thresholds used by the health check.
type HealthConfig struct {
	MaxMemoryMB    int           `mapstructure:"max_memory_mb" yaml:"max_memory_mb"`
	MaxAvgResponse time.Duration `mapstructure:"max_avg_response" yaml:"max_avg_response"`
}

// BrowserConfig holds settings for rendering a live page with headless Chrome.
type BrowserConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "elementindex")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")

	// -- Index --
	v.SetDefault("index.max_cache_size", 500)
	v.SetDefault("index.min_cache_size", 100)
	v.SetDefault("index.max_text_length", 100)
	v.SetDefault("index.identity_text_length", 32)
	v.SetDefault("index.result_limit", 10)
	v.SetDefault("index.fallback_limit", 10)
	v.SetDefault("index.viewport_height", 900)

	// -- Budget --
	v.SetDefault("budget.operation_budget", "16ms")
	v.SetDefault("budget.memory_ceiling_mb", 50)
	v.SetDefault("budget.stats_window", 20)
	v.SetDefault("budget.drain_delay", "100ms")
	v.SetDefault("budget.max_queue", 1000)
	v.SetDefault("budget.adapt_interval", "5s")

	// -- Observer --
	v.SetDefault("observer.batch_size", 50)
	v.SetDefault("observer.min_batch_size", 10)
	v.SetDefault("observer.batch_window", "50ms")
	v.SetDefault("observer.drain_delay", "100ms")
	v.SetDefault("observer.max_discover_per_batch", 200)

	// -- Scan --
	v.SetDefault("scan.initial_timeout", "5s")
	v.SetDefault("scan.chunk_size", 100)

	// -- Maintenance --
	v.SetDefault("maintenance.interval", "30s")
	v.SetDefault("maintenance.min_sweep_interval", "10s")
	v.SetDefault("maintenance.pending_timeout", "30s")

	// -- Bridge --
	v.SetDefault("bridge.listen_addr", "127.0.0.1:8787")
	v.SetDefault("bridge.same_origin", "http://127.0.0.1:8787")
	v.SetDefault("bridge.trusted_origins", []string{})
	v.SetDefault("bridge.trusted_patterns", []string{
		`^https?://localhost(:\d+)?$`,
		`^https?://127\.0\.0\.1(:\d+)?$`,
	})
	v.SetDefault("bridge.max_response_bytes", 1<<20)
	v.SetDefault("bridge.shrink_factor", 0.7)
	v.SetDefault("bridge.handler_budget", "50ms")
	v.SetDefault("bridge.strict_payload_bytes", 15360)
	v.SetDefault("bridge.broadcast_responses", false)
	v.SetDefault("bridge.request_timeout", "10s")

	// -- Health --
	v.SetDefault("health.max_memory_mb", 100)
	v.SetDefault("health.max_avg_response", "100ms")

	// -- Browser --
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.post_load_wait", "1s")

	// -- Metrics --
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.IndexCfg.Validate(); err != nil {
		return fmt.Errorf("index configuration invalid: %w", err)
	}
	if err := c.BudgetCfg.Validate(); err != nil {
		return fmt.Errorf("budget configuration invalid: %w", err)
	}
	if err := c.ObserverCfg.Validate(); err != nil {
		return fmt.Errorf("observer configuration invalid: %w", err)
	}
	if c.ScanCfg.InitialTimeout <= 0 || c.ScanCfg.ChunkSize <= 0 {
		return fmt.Errorf("scan.initial_timeout and scan.chunk_size must be positive")
	}
	if c.MaintenanceCfg.Interval <= 0 || c.MaintenanceCfg.PendingTimeout <= 0 {
		return fmt.Errorf("maintenance.interval and maintenance.pending_timeout must be positive")
	}
	if c.MaintenanceCfg.MinSweepInterval < 0 {
		return fmt.Errorf("maintenance.min_sweep_interval cannot be negative")
	}
	if err := c.BridgeCfg.Validate(); err != nil {
		return fmt.Errorf("bridge configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the index limits.
func (i *IndexConfig) Validate() error {
	if i.MaxCacheSize <= 0 {
		return fmt.Errorf("max_cache_size must be a positive integer")
	}
	if i.MinCacheSize <= 0 || i.MinCacheSize > i.MaxCacheSize {
		return fmt.Errorf("min_cache_size must be positive and not exceed max_cache_size")
	}
	if i.MaxTextLength <= 0 || i.IdentityTextLength <= 0 {
		return fmt.Errorf("max_text_length and identity_text_length must be positive")
	}
	if i.ResultLimit <= 0 || i.FallbackLimit <= 0 {
		return fmt.Errorf("result_limit and fallback_limit must be positive")
	}
	return nil
}

// Validate checks the budget limits.
func (b *BudgetConfig) Validate() error {
	if b.OperationBudget <= 0 {
		return fmt.Errorf("operation_budget must be a positive duration")
	}
	if b.MemoryCeilingMB <= 0 {
		return fmt.Errorf("memory_ceiling_mb must be a positive integer")
	}
	if b.StatsWindow <= 0 || b.MaxQueue <= 0 {
		return fmt.Errorf("stats_window and max_queue must be positive")
	}
	if b.DrainDelay <= 0 || b.AdaptInterval <= 0 {
		return fmt.Errorf("drain_delay and adapt_interval must be positive durations")
	}
	return nil
}

// Validate checks the observer batching settings.
func (o *ObserverConfig) Validate() error {
	if o.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be a positive integer")
	}
	if o.MinBatchSize <= 0 || o.MinBatchSize > o.BatchSize {
		return fmt.Errorf("min_batch_size must be positive and not exceed batch_size")
	}
	if o.BatchWindow <= 0 || o.DrainDelay <= 0 {
		return fmt.Errorf("batch_window and drain_delay must be positive durations")
	}
	if o.MaxDiscoverPerBatch <= 0 {
		return fmt.Errorf("max_discover_per_batch must be a positive integer")
	}
	return nil
}

// Validate checks the bridge settings, including that every trusted pattern compiles.
func (b *BridgeConfig) Validate() error {
	if b.MaxResponseBytes <= 0 || b.StrictPayloadBytes <= 0 {
		return fmt.Errorf("max_response_bytes and strict_payload_bytes must be positive")
	}
	if b.ShrinkFactor <= 0 || b.ShrinkFactor >= 1 {
		return fmt.Errorf("shrink_factor must be between 0 and 1 (exclusive)")
	}
	if b.HandlerBudget <= 0 || b.RequestTimeout <= 0 {
		return fmt.Errorf("handler_budget and request_timeout must be positive durations")
	}
	for _, p := range b.TrustedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("trusted pattern %q does not compile: %w", p, err)
		}
	}
	return nil
}
