// Package config resolves supervisor configuration from (highest to lowest
// priority): command-line flags, environment variables (the fixed
// SUPERVISOR_*/AIDEVOPS_SUPERVISOR_DIR set from spec §6), a project config
// file (.supervisor/config.yaml in cwd), a home config
// (~/.supervisor/config.yaml), and compiled-in defaults. Built on spf13/viper,
// which already implements exactly this precedence chain.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every supervisor setting resolvable from the precedence
// chain above.
type Config struct {
	DataDir          string        `mapstructure:"data_dir"`
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	WorkerTimeout    time.Duration `mapstructure:"worker_timeout"`
	DispatchMode     string        `mapstructure:"dispatch_mode"` // headless | tabby
	SelfHeal         bool          `mapstructure:"self_heal"`
	SkipReviewTriage bool          `mapstructure:"skip_review_triage"`
	AutoIssue        bool          `mapstructure:"auto_issue"`
	PulseLockTimeout time.Duration `mapstructure:"pulse_lock_timeout"`
	SelfMemLimitMB   int           `mapstructure:"self_mem_limit_mb"`
	AIProvider       string        `mapstructure:"ai_provider"`
	Verbose          bool          `mapstructure:"verbose"`
	// Repos lists the repository working directories a pulse scans for
	// TODO.md auto-pickup, orphaned-worktree hygiene, and the orphaned-PR
	// scan. Set via config.yaml's `repos:` list; the pulse and watch
	// commands' repeated --repo flags replace it for that run.
	Repos []string `mapstructure:"repos"`
}

const (
	defaultDataDir          = ".supervisor"
	defaultMaxConcurrency   = 4
	defaultWorkerTimeout    = 30 * time.Minute
	defaultDispatchMode     = "headless"
	defaultPulseLockTimeout = 10 * time.Minute
	defaultSelfMemLimitMB   = 1024
	defaultAIProvider       = "openai"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("max_concurrency", defaultMaxConcurrency)
	v.SetDefault("worker_timeout", defaultWorkerTimeout)
	v.SetDefault("dispatch_mode", defaultDispatchMode)
	v.SetDefault("self_heal", true)
	v.SetDefault("skip_review_triage", false)
	v.SetDefault("auto_issue", false)
	v.SetDefault("pulse_lock_timeout", defaultPulseLockTimeout)
	v.SetDefault("self_mem_limit_mb", defaultSelfMemLimitMB)
	v.SetDefault("ai_provider", defaultAIProvider)
	v.SetDefault("verbose", false)
}

// envBindings maps each Config field to the exact environment variable name
// spec §6 fixes — deliberately not a single SUPERVISOR_ prefix scan, since
// one variable (AIDEVOPS_SUPERVISOR_DIR) breaks that pattern.
var envBindings = map[string]string{
	"data_dir":           "AIDEVOPS_SUPERVISOR_DIR",
	"max_concurrency":    "SUPERVISOR_MAX_CONCURRENCY",
	"worker_timeout":     "SUPERVISOR_WORKER_TIMEOUT",
	"dispatch_mode":      "SUPERVISOR_DISPATCH_MODE",
	"self_heal":          "SUPERVISOR_SELF_HEAL",
	"skip_review_triage": "SUPERVISOR_SKIP_REVIEW_TRIAGE",
	"auto_issue":         "SUPERVISOR_AUTO_ISSUE",
	"pulse_lock_timeout": "SUPERVISOR_PULSE_LOCK_TIMEOUT",
	"self_mem_limit_mb":  "SUPERVISOR_SELF_MEM_LIMIT",
	"ai_provider":        "SUPERVISOR_AI_PROVIDER",
}

func bindEnv(v *viper.Viper) error {
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return err
		}
	}
	return nil
}

func homeConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".supervisor", "config.yaml")
}

func projectConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Join(cwd, ".supervisor", "config.yaml")
}

// Load resolves a Config through the full precedence chain. flags may be nil
// (no CLI overrides bound, e.g. for a non-CLI caller); any flag bound to a
// key in envBindings/setDefaults takes top priority once Changed is true.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Home config is the base layer; project config merges on top so a
	// repo-local .supervisor/config.yaml wins over the user's home defaults.
	v.SetConfigType("yaml")
	if path := homeConfigPath(); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
				return nil, err
			}
		}
	}
	if path := projectConfigPath(); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
				return nil, err
			}
		}
	}

	if err := bindEnv(v); err != nil {
		return nil, err
	}
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
