// Package config loads runtime settings from defaults, an optional config
// file and DAMMER_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DAMMER_SLURM_PARTITION.
const EnvPrefix = "DAMMER"

// Config is the complete runtime configuration.
type Config struct {
	// Scheduler selects the cluster backend: "slurm" or "local".
	Scheduler    string             `mapstructure:"scheduler"`
	Log          LogConfig          `mapstructure:"log"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Slurm        SlurmConfig        `mapstructure:"slurm"`
	Store        StoreConfig        `mapstructure:"store"`
	Server       ServerConfig       `mapstructure:"server"`
	Sweep        SweepConfig        `mapstructure:"sweep"`
	Tools        ToolsConfig        `mapstructure:"tools"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
	File   string `mapstructure:"file"`   // optional copy of the log
}

// OrchestratorConfig holds polling and failure bounds.
type OrchestratorConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	QueueGrace        time.Duration `mapstructure:"queue_grace"`
	MaxWait           time.Duration `mapstructure:"max_wait"`
	MaxQueryFailures  int           `mapstructure:"max_query_failures"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	ChainDependencies bool          `mapstructure:"chain_dependencies"`
	VerifyQueued      bool          `mapstructure:"verify_queued"`
}

// SlurmConfig holds batch script and sbatch settings.
type SlurmConfig struct {
	Partition  string   `mapstructure:"partition"`
	MailUser   string   `mapstructure:"mail_user"`
	Tasks      int      `mapstructure:"tasks"`
	Directives []string `mapstructure:"directives"`
	SubmitArgs []string `mapstructure:"submit_args"`
	ScriptDir  string   `mapstructure:"script_dir"`
	// Template replaces the built-in batch script template.
	Template string `mapstructure:"template"`
}

// StoreConfig locates the run history database.
type StoreConfig struct {
	Path string `mapstructure:"path"` // ":memory:" disables persistence
}

// ServerConfig holds settings for the status API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// SweepConfig tunes threshold aggregation.
type SweepConfig struct {
	Parallelism  int  `mapstructure:"parallelism"`
	RemoveRegion bool `mapstructure:"remove_region"`
}

// ToolsConfig pins external tool locations.
type ToolsConfig struct {
	// Paths maps a tool name to its configured executable.
	Paths map[string]string `mapstructure:"paths"`
	// Prefer resolves a conflict between a configured path and the one
	// found on PATH: "configured", "path", or empty to fail.
	Prefer string `mapstructure:"prefer"`
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		Scheduler: "slurm",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Orchestrator: OrchestratorConfig{
			PollInterval:      5 * time.Second,
			QueueGrace:        30 * time.Second,
			MaxQueryFailures:  5,
			BackoffInitial:    time.Second,
			BackoffMax:        30 * time.Second,
			ChainDependencies: true,
		},
		Slurm: SlurmConfig{
			Tasks: 8,
		},
		Store: StoreConfig{
			Path: defaultStorePath(),
		},
		Server: ServerConfig{
			Addr: ":8090",
		},
		Sweep: SweepConfig{
			Parallelism: 4,
		},
		Tools: ToolsConfig{
			Paths: map[string]string{},
		},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "dammer.db"
	}
	return filepath.Join(home, ".dammer", "dammer.db")
}

// Load reads configuration. path may be empty; otherwise it names a YAML,
// TOML or JSON file. Environment variables override both.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Tools.Paths == nil {
		cfg.Tools.Paths = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so that environment variables are seen by
// Unmarshal even when no config file mentions the key.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("scheduler", d.Scheduler)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)

	o := d.Orchestrator
	v.SetDefault("orchestrator.poll_interval", o.PollInterval)
	v.SetDefault("orchestrator.queue_grace", o.QueueGrace)
	v.SetDefault("orchestrator.max_wait", o.MaxWait)
	v.SetDefault("orchestrator.max_query_failures", o.MaxQueryFailures)
	v.SetDefault("orchestrator.backoff_initial", o.BackoffInitial)
	v.SetDefault("orchestrator.backoff_max", o.BackoffMax)
	v.SetDefault("orchestrator.chain_dependencies", o.ChainDependencies)
	v.SetDefault("orchestrator.verify_queued", o.VerifyQueued)

	v.SetDefault("slurm.partition", d.Slurm.Partition)
	v.SetDefault("slurm.mail_user", d.Slurm.MailUser)
	v.SetDefault("slurm.tasks", d.Slurm.Tasks)
	v.SetDefault("slurm.directives", d.Slurm.Directives)
	v.SetDefault("slurm.submit_args", d.Slurm.SubmitArgs)
	v.SetDefault("slurm.script_dir", d.Slurm.ScriptDir)
	v.SetDefault("slurm.template", d.Slurm.Template)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("sweep.parallelism", d.Sweep.Parallelism)
	v.SetDefault("sweep.remove_region", d.Sweep.RemoveRegion)

	v.SetDefault("tools.paths", d.Tools.Paths)
	v.SetDefault("tools.prefer", d.Tools.Prefer)
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	switch c.Scheduler {
	case "slurm", "local":
	default:
		return fmt.Errorf("scheduler %q: want slurm or local", c.Scheduler)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	if c.Orchestrator.PollInterval <= 0 {
		return fmt.Errorf("orchestrator.poll_interval must be positive")
	}
	if c.Orchestrator.QueueGrace < 0 || c.Orchestrator.MaxWait < 0 {
		return fmt.Errorf("orchestrator durations must not be negative")
	}
	if c.Orchestrator.MaxQueryFailures < 1 {
		return fmt.Errorf("orchestrator.max_query_failures must be at least 1")
	}
	if c.Sweep.Parallelism < 1 {
		return fmt.Errorf("sweep.parallelism must be at least 1")
	}
	switch c.Tools.Prefer {
	case "", "configured", "path":
	default:
		return fmt.Errorf("tools.prefer %q: want configured, path or empty", c.Tools.Prefer)
	}
	return nil
}
