package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           int      `mapstructure:"port"`
	DatabasePath   string   `mapstructure:"database_path"`
	LogLevel       string   `mapstructure:"log_level"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Controllers
	JobPollIntervalSec      int  `mapstructure:"scheduler_poll_interval_sec"`     // job reconciliation period
	PodPollIntervalSec      int  `mapstructure:"pod_scheduler_poll_interval_sec"` // discovery reconciliation period
	CleanupIntervalSec      int  `mapstructure:"cleanup_interval_sec"`
	MemoryCheckIntervalSec  int  `mapstructure:"memory_check_interval_sec"`
	SchedulerMaxRetry       int  `mapstructure:"scheduler_max_retry"`
	SchedulerMetricsDelay   int  `mapstructure:"scheduler_metrics_delay_sec"` // grace before metrics are expected
	JobTimeoutHours         int  `mapstructure:"scheduler_job_timeout_hours"` // stuck-job hard deadline
	JobWarningHours         int  `mapstructure:"scheduler_job_warning_hours"`
	AutoDeleteCompletedJobs bool `mapstructure:"auto_delete_completed_jobs"`

	// Metrics store
	InfluxHost     string `mapstructure:"influx_host"`
	InfluxPort     int    `mapstructure:"influx_port"`
	InfluxDatabase string `mapstructure:"influx_database"`

	// Cluster namespaces: tested workloads vs. the generator's jobs.
	TestNamespace string `mapstructure:"test_namespace"`
	PlogNamespace string `mapstructure:"plog_namespace"`

	// Render-path time zone. Storage is always UTC.
	DisplayTimezone string `mapstructure:"display_timezone"`

	// Pod-spec cache
	PodSpecCacheTTLSec int `mapstructure:"pod_spec_cache_ttl_sec"`

	// LLM
	LLMModelName   string  `mapstructure:"llm_model_name"`
	LLMBaseURL     string  `mapstructure:"llm_base_url"`
	LLMAPIKey      string  `mapstructure:"llm_api_key"`
	LLMTemperature float64 `mapstructure:"llm_temperature"`
	LLMMaxTokens   int     `mapstructure:"llm_max_tokens"`
	LLMTimeoutSec  int     `mapstructure:"llm_timeout_sec"`

	// Outbound cluster API rate limit; 0 = disabled.
	K8sRateLimitPerSec float64 `mapstructure:"k8s_rate_limit_per_sec"`
	K8sRateLimitBurst  int     `mapstructure:"k8s_rate_limit_burst"`

	KubeconfigPath string `mapstructure:"kubeconfig_path"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/plog/")
	viper.AddConfigPath("$HOME/.plog")
	viper.AddConfigPath(".")

	// Defaults
	viper.SetDefault("port", 8080)
	viper.SetDefault("database_path", "./plog.db")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("allowed_origins", []string{"*"})
	viper.SetDefault("scheduler_poll_interval_sec", 15)
	viper.SetDefault("pod_scheduler_poll_interval_sec", 30)
	viper.SetDefault("cleanup_interval_sec", 60)
	viper.SetDefault("memory_check_interval_sec", 300)
	viper.SetDefault("scheduler_max_retry", 3)
	viper.SetDefault("scheduler_metrics_delay_sec", 30)
	viper.SetDefault("scheduler_job_timeout_hours", 4)
	viper.SetDefault("scheduler_job_warning_hours", 1)
	viper.SetDefault("auto_delete_completed_jobs", true)
	viper.SetDefault("influx_host", "localhost")
	viper.SetDefault("influx_port", 8086)
	viper.SetDefault("influx_database", "k6")
	viper.SetDefault("test_namespace", "test")
	viper.SetDefault("plog_namespace", "plog")
	viper.SetDefault("display_timezone", "Asia/Seoul")
	viper.SetDefault("pod_spec_cache_ttl_sec", 600)
	viper.SetDefault("llm_model_name", "gpt-4o")
	viper.SetDefault("llm_base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm_temperature", 0.2)
	viper.SetDefault("llm_max_tokens", 4096)
	viper.SetDefault("llm_timeout_sec", 120)
	viper.SetDefault("k8s_rate_limit_per_sec", 0) // 0 = disabled
	viper.SetDefault("k8s_rate_limit_burst", 0)
	viper.SetDefault("kubeconfig_path", "")

	// Environment variables
	viper.SetEnvPrefix("PLOG")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the startup invariants; a bad LLM range is a config
// error, not something to discover on the first analysis.
func (c *Config) Validate() error {
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		return fmt.Errorf("llm_temperature %v out of range [0,2]", c.LLMTemperature)
	}
	if c.LLMMaxTokens < 100 || c.LLMMaxTokens > 10000 {
		return fmt.Errorf("llm_max_tokens %d out of range [100,10000]", c.LLMMaxTokens)
	}
	if c.LLMTimeoutSec < 10 || c.LLMTimeoutSec > 600 {
		return fmt.Errorf("llm_timeout_sec %d out of range [10,600]", c.LLMTimeoutSec)
	}
	if c.JobPollIntervalSec <= 0 || c.PodPollIntervalSec <= 0 || c.CleanupIntervalSec <= 0 {
		return fmt.Errorf("controller poll intervals must be positive")
	}
	if _, err := time.LoadLocation(c.DisplayTimezone); err != nil {
		return fmt.Errorf("invalid display_timezone %q: %w", c.DisplayTimezone, err)
	}
	return nil
}

// Location resolves the display time zone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) JobPollInterval() time.Duration {
	return time.Duration(c.JobPollIntervalSec) * time.Second
}

func (c *Config) PodPollInterval() time.Duration {
	return time.Duration(c.PodPollIntervalSec) * time.Second
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSec) * time.Second
}

func (c *Config) MemoryCheckInterval() time.Duration {
	return time.Duration(c.MemoryCheckIntervalSec) * time.Second
}

func (c *Config) PodSpecCacheTTL() time.Duration {
	return time.Duration(c.PodSpecCacheTTLSec) * time.Second
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSec) * time.Second
}

// MetricsDelay is the grace period between a job finishing and its metrics
// being considered settled in the store.
func (c *Config) MetricsDelay() time.Duration {
	return time.Duration(c.SchedulerMetricsDelay) * time.Second
}
