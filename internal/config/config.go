// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Orchestrator() OrchestratorConfig
	Bus() BusConfig
	Enricher() EnricherConfig
	LLM() LLMRouterConfig
	Tools() ToolsConfig
	Server() ServerConfig

	// Orchestrator Setters
	SetOrchestratorMaxRetries(int)
	SetOrchestratorMaxReplans(int)

	// Database Setters
	SetDatabaseDriver(string)
}

// Config holds the entire application configuration.
// Sections are exported so viper can populate them; callers go through the getters.
type Config struct {
	LoggerCfg       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	OrchestratorCfg OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	BusCfg          BusConfig          `mapstructure:"bus" yaml:"bus"`
	EnricherCfg     EnricherConfig     `mapstructure:"enricher" yaml:"enricher"`
	LLMCfg          LLMRouterConfig    `mapstructure:"llm" yaml:"llm"`
	ToolsCfg        ToolsConfig        `mapstructure:"tools" yaml:"tools"`
	ServerCfg       ServerConfig       `mapstructure:"server" yaml:"server"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig             { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig         { return c.DatabaseCfg }
func (c *Config) Orchestrator() OrchestratorConfig { return c.OrchestratorCfg }
func (c *Config) Bus() BusConfig                   { return c.BusCfg }
func (c *Config) Enricher() EnricherConfig         { return c.EnricherCfg }
func (c *Config) LLM() LLMRouterConfig             { return c.LLMCfg }
func (c *Config) Tools() ToolsConfig               { return c.ToolsCfg }
func (c *Config) Server() ServerConfig             { return c.ServerCfg }

// -- Setters --

func (c *Config) SetOrchestratorMaxRetries(n int) { c.OrchestratorCfg.MaxRetries = n }
func (c *Config) SetOrchestratorMaxReplans(n int) { c.OrchestratorCfg.MaxReplans = n }
func (c *Config) SetDatabaseDriver(d string)      { c.DatabaseCfg.Driver = d }

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

// Database drivers understood by the service factory.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig selects and tunes the mission repository.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"`
	URL             string        `mapstructure:"url" yaml:"url"`
	SQLitePath      string        `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time" yaml:"max_conn_idle_time"`
}

// ResolvedSQLitePath expands a leading ~ in the sqlite path.
func (d DatabaseConfig) ResolvedSQLitePath() (string, error) {
	p, err := homedir.Expand(d.SQLitePath)
	if err != nil {
		return "", fmt.Errorf("failed to expand sqlite_path %q: %w", d.SQLitePath, err)
	}
	return p, nil
}

// OrchestratorConfig tunes mission scheduling, retries and re-planning.
type OrchestratorConfig struct {
	MaxConcurrentMissions int           `mapstructure:"max_concurrent_missions" yaml:"max_concurrent_missions"`
	MaxInFlightTasks      int           `mapstructure:"max_in_flight_tasks" yaml:"max_in_flight_tasks"`
	MaxRetries            int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryInitialBackoff   time.Duration `mapstructure:"retry_initial_backoff" yaml:"retry_initial_backoff"`
	RetryMaxBackoff       time.Duration `mapstructure:"retry_max_backoff" yaml:"retry_max_backoff"`
	ToolTimeout           time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout"`
	PlanningTimeout       time.Duration `mapstructure:"planning_timeout" yaml:"planning_timeout"`
	MaxReplans            int           `mapstructure:"max_replans" yaml:"max_replans"`
	// ReplanOn lists the task error codes that may trigger a new plan revision.
	ReplanOn        []string      `mapstructure:"replan_on" yaml:"replan_on"`
	MaxPlanTasks    int           `mapstructure:"max_plan_tasks" yaml:"max_plan_tasks"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// BusConfig configures event fan-out.
type BusConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
}

// EnricherConfig configures the web research retriever used for context enrichment.
type EnricherConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	SearchURL       string        `mapstructure:"search_url" yaml:"search_url"`
	ResultSelector  string        `mapstructure:"result_selector" yaml:"result_selector"`
	TitleSelector   string        `mapstructure:"title_selector" yaml:"title_selector"`
	SnippetSelector string        `mapstructure:"snippet_selector" yaml:"snippet_selector"`
	LinkSelector    string        `mapstructure:"link_selector" yaml:"link_selector"`
	MaxSnippets     int           `mapstructure:"max_snippets" yaml:"max_snippets"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit       float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst           int           `mapstructure:"burst" yaml:"burst"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// LLMProvider defines the type for LLM providers.
type LLMProvider string

const (
	ProviderGemini    LLMProvider = "gemini"
	ProviderOllama    LLMProvider = "ollama"
	ProviderAnthropic LLMProvider = "anthropic"
)

// LLMModelConfig holds settings for a specific LLM model.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP        float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK        int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// LLMRouterConfig holds the configuration for the LLM router.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// HTTPToolConfig configures the http.fetch tool.
type HTTPToolConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit    float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst        int           `mapstructure:"burst" yaml:"burst"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	UserAgent    string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// ToolsConfig is a container for built-in tool configuration.
type ToolsConfig struct {
	HTTP HTTPToolConfig `mapstructure:"http" yaml:"http"`
}

// ServerConfig configures the HTTP/WebSocket front door.
type ServerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// NewDefaultConfig creates a new configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static, so this only fires on a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults sets the default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "overmind")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.sqlite_path", "~/.overmind/overmind.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	// -- Orchestrator --
	v.SetDefault("orchestrator.max_concurrent_missions", 16)
	v.SetDefault("orchestrator.max_in_flight_tasks", 4)
	v.SetDefault("orchestrator.max_retries", 3)
	v.SetDefault("orchestrator.retry_initial_backoff", "500ms")
	v.SetDefault("orchestrator.retry_max_backoff", "10s")
	v.SetDefault("orchestrator.tool_timeout", "60s")
	v.SetDefault("orchestrator.planning_timeout", "2m")
	v.SetDefault("orchestrator.max_replans", 1)
	v.SetDefault("orchestrator.replan_on", []string{"TOOL_NOT_FOUND", "TOOL_EXECUTION_ERROR"})
	v.SetDefault("orchestrator.max_plan_tasks", 32)
	v.SetDefault("orchestrator.shutdown_timeout", "30s")

	// -- Bus --
	v.SetDefault("bus.subscriber_buffer", 256)

	// -- Enricher --
	v.SetDefault("enricher.enabled", false)
	v.SetDefault("enricher.search_url", "https://html.duckduckgo.com/html/")
	v.SetDefault("enricher.result_selector", ".result")
	v.SetDefault("enricher.title_selector", ".result__a")
	v.SetDefault("enricher.snippet_selector", ".result__snippet")
	v.SetDefault("enricher.link_selector", ".result__a")
	v.SetDefault("enricher.max_snippets", 5)
	v.SetDefault("enricher.timeout", "10s")
	v.SetDefault("enricher.rate_limit", 1.0)
	v.SetDefault("enricher.burst", 1)
	v.SetDefault("enricher.user_agent", "overmind/1.0")

	// -- LLM --
	v.SetDefault("llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.default_powerful_model", "gemini-2.5-pro")

	// -- Tools --
	v.SetDefault("tools.http.timeout", "30s")
	v.SetDefault("tools.http.rate_limit", 5.0)
	v.SetDefault("tools.http.burst", 2)
	v.SetDefault("tools.http.max_body_bytes", 2<<20)
	v.SetDefault("tools.http.user_agent", "overmind/1.0")

	// -- Server --
	v.SetDefault("server.listen_addr", "127.0.0.1:8080")
	v.SetDefault("server.request_timeout", "60s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", "OVERMIND_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// API keys are never expected in the config file.
	for name, m := range cfg.LLMCfg.Models {
		if m.APIKey == "" {
			m.APIKey = apiKeyFromEnv(m.Provider)
			cfg.LLMCfg.Models[name] = m
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func apiKeyFromEnv(p LLMProvider) string {
	switch p {
	case ProviderGemini:
		if k := os.Getenv("OVERMIND_GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GEMINI_API_KEY")
	case ProviderAnthropic:
		if k := os.Getenv("OVERMIND_ANTHROPIC_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		return ""
	}
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.DatabaseCfg.Validate(); err != nil {
		return fmt.Errorf("database configuration invalid: %w", err)
	}
	if err := c.OrchestratorCfg.Validate(); err != nil {
		return fmt.Errorf("orchestrator configuration invalid: %w", err)
	}
	if c.BusCfg.SubscriberBuffer <= 0 {
		return fmt.Errorf("bus.subscriber_buffer must be a positive integer")
	}
	if err := c.EnricherCfg.Validate(); err != nil {
		return fmt.Errorf("enricher configuration invalid: %w", err)
	}
	if err := c.LLMCfg.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the database settings.
func (d *DatabaseConfig) Validate() error {
	switch d.Driver {
	case DriverMemory:
	case DriverPostgres:
		if d.URL == "" {
			return fmt.Errorf("url is required when driver is %q", DriverPostgres)
		}
	case DriverSQLite:
		if d.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required when driver is %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("unknown driver %q", d.Driver)
	}
	return nil
}

// Validate checks the orchestrator settings.
func (o *OrchestratorConfig) Validate() error {
	if o.MaxConcurrentMissions <= 0 {
		return fmt.Errorf("max_concurrent_missions must be a positive integer")
	}
	if o.MaxInFlightTasks <= 0 {
		return fmt.Errorf("max_in_flight_tasks must be a positive integer")
	}
	if o.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be a positive integer")
	}
	if o.MaxReplans < 0 {
		return fmt.Errorf("max_replans must not be negative")
	}
	if o.ToolTimeout <= 0 {
		return fmt.Errorf("tool_timeout must be a positive duration")
	}
	if o.RetryInitialBackoff < 0 || o.RetryMaxBackoff < o.RetryInitialBackoff {
		return fmt.Errorf("retry_max_backoff must be greater than or equal to retry_initial_backoff")
	}
	return nil
}

// Validate checks the enricher settings.
func (e *EnricherConfig) Validate() error {
	if !e.Enabled {
		return nil
	}
	if e.SearchURL == "" {
		return fmt.Errorf("search_url is required when the enricher is enabled")
	}
	if e.MaxSnippets <= 0 {
		return fmt.Errorf("max_snippets must be a positive integer")
	}
	if e.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	return nil
}

// Validate checks that every configured model names a known provider.
func (l *LLMRouterConfig) Validate() error {
	for name, m := range l.Models {
		switch m.Provider {
		case ProviderGemini, ProviderOllama, ProviderAnthropic:
		default:
			return fmt.Errorf("model %q has unknown provider %q", name, m.Provider)
		}
		if m.Model == "" {
			return fmt.Errorf("model %q is missing the model name", name)
		}
	}
	return nil
}
