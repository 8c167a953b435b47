package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/boshu2/gosuper/internal/aiverdict"
	"github.com/boshu2/gosuper/internal/concurrency"
	"github.com/boshu2/gosuper/internal/config"
	"github.com/boshu2/gosuper/internal/dispatcher"
	"github.com/boshu2/gosuper/internal/ghclient"
	"github.com/boshu2/gosuper/internal/healthprobe"
	"github.com/boshu2/gosuper/internal/invocation"
	"github.com/boshu2/gosuper/internal/lifecycle"
	"github.com/boshu2/gosuper/internal/observability"
	"github.com/boshu2/gosuper/internal/pulse"
	"github.com/boshu2/gosuper/internal/pulselock"
	"github.com/boshu2/gosuper/internal/selfheal"
	"github.com/boshu2/gosuper/internal/store"
)

// app wires every internal package a CLI command needs. One is built per
// command invocation and closed before the command returns.
type app struct {
	cfg     *config.Config
	store   *store.Store
	logger  *slog.Logger
	metrics *observability.Metrics
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagVerbose {
		cfg.Verbose = true
	}

	logLevel := "info"
	if cfg.Verbose {
		logLevel = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{Level: logLevel, Format: "text"})

	s, err := store.Open(filepath.Join(cfg.DataDir, "supervisor.db"))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	return &app{
		cfg:     cfg,
		store:   s,
		logger:  logger,
		metrics: observability.NewMetrics(),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) providerCLI() string {
	if flagProvider != "" {
		return flagProvider
	}
	return "claude"
}

func (a *app) dispatcher() *dispatcher.Dispatcher {
	return &dispatcher.Dispatcher{
		Store:   a.store,
		Prober:  healthprobe.New(a.cfg.DataDir),
		Sampler: concurrency.NewSampler(),
		Invocation: &invocation.Builder{
			ProviderCLI: a.providerCLI(),
			Mode:        a.cfg.DispatchMode,
		},
		DataDir:     a.cfg.DataDir,
		ProviderCLI: a.providerCLI(),
		Verbosef: func(format string, args ...any) {
			a.logger.Debug(fmt.Sprintf(format, args...))
		},
	}
}

func (a *app) ghClientFor(repo string) *ghclient.Client {
	return ghclient.New(repo)
}

func (a *app) lifecycleFor(repo string) *lifecycle.Handler {
	return &lifecycle.Handler{
		Store:            a.store,
		GH:               a.ghClientFor(repo),
		SkipReviewTriage: a.cfg.SkipReviewTriage,
	}
}

func (a *app) aiClient() aiverdict.Client {
	provider := aiverdict.Provider(a.cfg.AIProvider)
	if provider == "" {
		provider = aiverdict.ProviderOpenAI
	}
	return aiverdict.New(aiverdict.Config{Provider: provider})
}

func (a *app) healer() *selfheal.Healer {
	return &selfheal.Healer{Store: a.store, Enabled: a.cfg.SelfHeal}
}

// driver builds a pulse.Driver scoped to the given repos, wiring every
// subsystem a pulse cycle touches. Each repo gets its own lifecycle handler
// and gh client since both carry a fixed working directory.
func (a *app) driver(repos []string, selfIdentity string) *pulse.Driver {
	return a.driverForBatch(repos, selfIdentity, "")
}

func (a *app) driverForBatch(repos []string, selfIdentity, batchFilter string) *pulse.Driver {
	return &pulse.Driver{
		Store:                a.store,
		Dispatcher:           a.dispatcher(),
		LifecycleFor:         a.lifecycleFor,
		Healer:               a.healer(),
		GHFor:                a.ghClientFor,
		Lock:                 pulselock.New(a.cfg.DataDir, a.cfg.PulseLockTimeout),
		Logger:               a.logger,
		Metrics:              a.metrics,
		DataDir:              a.cfg.DataDir,
		Repos:                repos,
		SelfIdentity:         selfIdentity,
		BatchFilter:          batchFilter,
		AIClient:             a.aiClient(),
		NoAI:                 false,
		SelfMemLimitMB:       a.cfg.SelfMemLimitMB,
		RespawnArgs:          []string{"pulse"},
		OrphanedScanInterval: 0,
	}
}

var errUserInput = errors.New("invalid input")
