package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/rendis/webforge/internal/cipher"
	"github.com/rendis/webforge/internal/config"
	"github.com/rendis/webforge/internal/engine"
	"github.com/rendis/webforge/internal/isolation"
	"github.com/rendis/webforge/internal/logging"
	"github.com/rendis/webforge/internal/outputs"
	"github.com/rendis/webforge/internal/runner"
	"github.com/rendis/webforge/internal/source"
	"github.com/rendis/webforge/internal/store"
	"github.com/rendis/webforge/internal/streaming"
	"github.com/rendis/webforge/internal/validation"
	"github.com/rendis/webforge/internal/vault"
)

// app is the wired set of services behind every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.LibSQLStore
	cipher  *cipher.Context
	vault   *vault.Vault
	source  *source.Service
	outputs *outputs.Registry
	events  *streaming.MemoryHub
	runner  runner.Runner
	orch    *engine.Orchestrator
}

// openApp wires store -> cipher -> vault -> source -> outputs -> orchestrator.
func openApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	logger := logging.New(logOut, "webforge", cfg.Log.Level)
	slog.SetDefault(logger)

	for _, dir := range []string{cfg.Home, cfg.Pipeline.WorkRoot, cfg.Pipeline.OutputDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	s, err := store.NewLibSQLStore("file:" + cfg.Store.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.Store.DBPath, err)
	}

	a := &app{cfg: cfg, logger: logger, store: s}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	master, retired := cfg.Cipher.Secrets()
	c, err := cipher.New(cipher.Config{
		MasterSecret: master,
		Retired:      retired,
		Iterations:   cfg.Cipher.Iterations,
		CacheTTL:     cfg.Cipher.CacheTTL,
	})
	if err != nil {
		return fmt.Errorf("%sCIPHER_MASTER_SECRET: %w", config.EnvPrefix, err)
	}
	a.cipher = c

	payloads, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	a.vault = vault.New(a.store, c, payloads, a.logger.With("component", "vault"))

	r := runner.New(runner.Config{
		Limits: isolation.Limits{Root: cfg.Pipeline.WorkRoot},
		Logger: a.logger.With("component", "runner"),
	})
	a.runner = r

	a.source = source.New(a.store, a.vault, r, source.Config{
		Policy:       source.Policy{AllowedHosts: cfg.Source.AllowedHosts},
		CloneTimeout: cfg.Source.CloneTimeout,
		DefaultDepth: cfg.Source.CloneDepth,
		GitBinary:    cfg.Source.GitBinary,
	}, a.logger.With("component", "source"))

	remover, err := outputs.NewDockerRemover(a.logger.With("component", "docker"))
	if err != nil {
		return err
	}
	a.outputs = outputs.New(a.store, remover, outputs.Config{
		ArchiveTTL: cfg.Outputs.ArchiveTTL,
		ImageTTL:   cfg.Outputs.ImageTTL,
	}, a.logger.With("component", "outputs"))

	defaultSource := source.DefaultSource
	if cfg.Source.DefaultURL != "" {
		defaultSource.URL = cfg.Source.DefaultURL
	}
	if cfg.Source.DefaultBranch != "" {
		defaultSource.DefaultBranch = cfg.Source.DefaultBranch
	}

	a.events = streaming.NewMemoryHub()
	a.orch, err = engine.New(a.store, a.source, a.outputs, a.vault, r, engine.Config{
		WorkRoot:      cfg.Pipeline.WorkRoot,
		OutputDir:     cfg.Pipeline.OutputDir,
		AssetRoot:     cfg.Pipeline.AssetRoot,
		CloneDepth:    cfg.Source.CloneDepth,
		BuildTimeout:  cfg.Pipeline.BuildTimeout,
		PushTimeout:   cfg.Pipeline.PushTimeout,
		DockerBinary:  cfg.Pipeline.DockerBinary,
		AWSBinary:     cfg.Pipeline.AWSBinary,
		ImageName:     cfg.Pipeline.ImageName,
		DefaultSource: defaultSource,
		Events:        a.events,
	}, a.logger.With("component", "engine"))
	return err
}

// Close releases the cipher key cache and the database.
func (a *app) Close() {
	if a.cipher != nil {
		a.cipher.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
}
