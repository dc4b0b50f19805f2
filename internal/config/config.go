// Package config loads daemon configuration from config.yaml via viper and
// hands the result to the supervisor as an immutable value. Components
// receive only the slice of configuration they need.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Whamp/pi-brain-sub000/internal/errclass"
)

// Config is the full daemon configuration. It is never mutated after Load;
// SIGHUP reload builds a fresh value and swaps an atomic pointer.
type Config struct {
	DataDir     string
	SessionsDir string

	Prompt struct {
		Path       string
		HistoryDir string
	}

	Daemon struct {
		WorkerCount     int
		PollInterval    time.Duration
		ShutdownTimeout time.Duration
	}

	Watcher struct {
		Globs         []string
		IdleThreshold time.Duration
	}

	Analyzer struct {
		Binary         string
		Timeout        time.Duration
		RequiredSkills []string
		OptionalSkills []string
	}

	Retry errclass.RetryPolicy

	Scheduler struct {
		Jobs map[string]CronJobConfig
	}

	Discovery struct {
		JaccardThreshold          float64
		LessonSimilarityThreshold float64
		RescanAll                 bool
	}

	Embedding struct {
		Provider   string // "", "ollama", "openai", "openrouter", "mock"
		Model      string
		BaseURL    string
		APIKey     string
		Dimensions int
	}

	Aggregation struct {
		MinOccurrences int
		MinSupport     int
		MinClusterSize int
		LabelerEnabled bool
		LabelerAPIKey  string
	}
}

// CronJobConfig enables and schedules one named scheduler job.
type CronJobConfig struct {
	Cron    string
	Enabled bool
}

// DatabasePath returns the SQLite file path under the data dir.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, "pi-brain.db") }

// PIDPath returns the daemon PID file path.
func (c *Config) PIDPath() string { return filepath.Join(c.DataDir, "pi-brain.pid") }

// LogPath returns the daemon log file path.
func (c *Config) LogPath() string { return filepath.Join(c.DataDir, "pi-brain.log") }

// NodesDir returns the root of the node JSON side-store.
func (c *Config) NodesDir() string { return filepath.Join(c.DataDir, "nodes") }

// Load reads configuration with precedence: explicit path argument,
// $PI_BRAIN_CONFIG, <dataDir>/config.yaml. Environment variables prefixed
// PI_BRAIN_ override file values (dots and hyphens map to underscores).
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix("PI_BRAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	configPath := explicitPath
	if configPath == "" {
		configPath = os.Getenv("PI_BRAIN_CONFIG")
	}
	if configPath == "" {
		if dataDir := v.GetString("data-dir"); dataDir != "" {
			candidate := filepath.Join(dataDir, "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				configPath = candidate
			}
		}
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	}

	return build(v)
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("data-dir", filepath.Join(home, ".pi-brain"))
	v.SetDefault("sessions-dir", filepath.Join(home, ".pi", "sessions"))

	v.SetDefault("prompt.path", "")
	v.SetDefault("prompt.history-dir", "")

	v.SetDefault("daemon.worker-count", 2)
	v.SetDefault("daemon.poll-interval-ms", 2000)
	v.SetDefault("daemon.shutdown-timeout-ms", 30000)

	v.SetDefault("watcher.globs", []string{"*.jsonl"})
	v.SetDefault("watcher.idle-threshold-ms", 120000)

	v.SetDefault("analyzer.binary", "pi-analyze")
	v.SetDefault("analyzer.timeout-ms", 600000)
	v.SetDefault("analyzer.required-skills", []string{})
	v.SetDefault("analyzer.optional-skills", []string{})

	v.SetDefault("retry.base-delay-sec", 60)
	v.SetDefault("retry.max-delay-sec", 3600)
	v.SetDefault("retry.jitter-ratio", 0.2)
	v.SetDefault("retry.max-retries", 3)

	v.SetDefault("scheduler.jobs.reanalysis.cron", "0 3 * * *")
	v.SetDefault("scheduler.jobs.reanalysis.enabled", true)
	v.SetDefault("scheduler.jobs.connection_discovery.cron", "30 * * * *")
	v.SetDefault("scheduler.jobs.connection_discovery.enabled", true)
	v.SetDefault("scheduler.jobs.pattern_aggregation.cron", "0 4 * * *")
	v.SetDefault("scheduler.jobs.pattern_aggregation.enabled", true)
	v.SetDefault("scheduler.jobs.clustering.cron", "0 5 * * 0")
	v.SetDefault("scheduler.jobs.clustering.enabled", false)

	v.SetDefault("discovery.jaccard-threshold", 0.3)
	v.SetDefault("discovery.lesson-similarity-threshold", 0.6)
	v.SetDefault("discovery.rescan-all", false)

	v.SetDefault("embedding.provider", "")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.base-url", "")
	v.SetDefault("embedding.api-key", "")
	v.SetDefault("embedding.dimensions", 0)

	v.SetDefault("aggregation.min-occurrences", 3)
	v.SetDefault("aggregation.min-support", 3)
	v.SetDefault("aggregation.min-cluster-size", 2)
	v.SetDefault("aggregation.labeler-enabled", false)
	v.SetDefault("aggregation.labeler-api-key", "")
}

func build(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	cfg.DataDir = v.GetString("data-dir")
	cfg.SessionsDir = v.GetString("sessions-dir")

	cfg.Prompt.Path = v.GetString("prompt.path")
	if cfg.Prompt.Path == "" {
		cfg.Prompt.Path = filepath.Join(cfg.DataDir, "prompts", "analysis.md")
	}
	cfg.Prompt.HistoryDir = v.GetString("prompt.history-dir")
	if cfg.Prompt.HistoryDir == "" {
		cfg.Prompt.HistoryDir = filepath.Join(cfg.DataDir, "prompts", "history")
	}

	cfg.Daemon.WorkerCount = v.GetInt("daemon.worker-count")
	if cfg.Daemon.WorkerCount < 1 {
		return nil, fmt.Errorf("daemon.worker-count must be >= 1, got %d", cfg.Daemon.WorkerCount)
	}
	cfg.Daemon.PollInterval = time.Duration(v.GetInt("daemon.poll-interval-ms")) * time.Millisecond
	cfg.Daemon.ShutdownTimeout = time.Duration(v.GetInt("daemon.shutdown-timeout-ms")) * time.Millisecond

	cfg.Watcher.Globs = v.GetStringSlice("watcher.globs")
	cfg.Watcher.IdleThreshold = time.Duration(v.GetInt("watcher.idle-threshold-ms")) * time.Millisecond

	cfg.Analyzer.Binary = v.GetString("analyzer.binary")
	cfg.Analyzer.Timeout = time.Duration(v.GetInt("analyzer.timeout-ms")) * time.Millisecond
	cfg.Analyzer.RequiredSkills = v.GetStringSlice("analyzer.required-skills")
	cfg.Analyzer.OptionalSkills = v.GetStringSlice("analyzer.optional-skills")

	cfg.Retry = errclass.RetryPolicy{
		BaseDelaySec: v.GetInt("retry.base-delay-sec"),
		MaxDelaySec:  v.GetInt("retry.max-delay-sec"),
		JitterRatio:  v.GetFloat64("retry.jitter-ratio"),
		MaxRetries:   v.GetInt("retry.max-retries"),
	}
	if cfg.Retry.JitterRatio < 0 || cfg.Retry.JitterRatio > 1 {
		return nil, fmt.Errorf("retry.jitter-ratio must be in [0, 1], got %v", cfg.Retry.JitterRatio)
	}

	cfg.Scheduler.Jobs = map[string]CronJobConfig{}
	for _, name := range []string{"reanalysis", "connection_discovery", "pattern_aggregation", "clustering"} {
		cfg.Scheduler.Jobs[name] = CronJobConfig{
			Cron:    v.GetString("scheduler.jobs." + name + ".cron"),
			Enabled: v.GetBool("scheduler.jobs." + name + ".enabled"),
		}
	}

	cfg.Discovery.JaccardThreshold = v.GetFloat64("discovery.jaccard-threshold")
	cfg.Discovery.LessonSimilarityThreshold = v.GetFloat64("discovery.lesson-similarity-threshold")
	cfg.Discovery.RescanAll = v.GetBool("discovery.rescan-all")

	cfg.Embedding.Provider = v.GetString("embedding.provider")
	cfg.Embedding.Model = v.GetString("embedding.model")
	cfg.Embedding.BaseURL = v.GetString("embedding.base-url")
	cfg.Embedding.APIKey = v.GetString("embedding.api-key")
	cfg.Embedding.Dimensions = v.GetInt("embedding.dimensions")

	cfg.Aggregation.MinOccurrences = v.GetInt("aggregation.min-occurrences")
	cfg.Aggregation.MinSupport = v.GetInt("aggregation.min-support")
	cfg.Aggregation.MinClusterSize = v.GetInt("aggregation.min-cluster-size")
	cfg.Aggregation.LabelerEnabled = v.GetBool("aggregation.labeler-enabled")
	cfg.Aggregation.LabelerAPIKey = v.GetString("aggregation.labeler-api-key")

	return cfg, nil
}
