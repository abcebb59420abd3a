package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vireflow/vire/pkg/config"
	"github.com/vireflow/vire/pkg/delivery"
	"github.com/vireflow/vire/pkg/elements"
	"github.com/vireflow/vire/pkg/engine"
	"github.com/vireflow/vire/pkg/policy"
	"github.com/vireflow/vire/pkg/stores"
	"github.com/vireflow/vire/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand() *cobra.Command {
	var bootPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a vire node",
		Long: `Run starts the engine loop and, when enabled in the node config, the
delivery inbox and admission policies.

Every configuration dropped into the inbox is checked against the
policies and installed; install attempts are recorded in the store's
history. The node runs until interrupted.`,
		Example: `  # Run with defaults (in-memory store, no inbox)
  vire run

  # Run a node from its config and install a graph at startup
  vire run -c node.yaml --boot graph.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig()
			if err != nil {
				return err
			}
			return runNode(cmd.Context(), cfg, bootPath)
		},
	}

	cmd.Flags().StringVar(&bootPath, "boot", "", "graph description or blob to install at startup")

	return cmd
}

func runNode(ctx context.Context, cfg *config.NodeConfig, bootPath string) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.StartMetricsServer()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Flush(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry flush failed")
		}
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	ctx = tel.WithContext(ctx)
	logger := tel.Logger.Zerolog()

	store, err := stores.Open(ctx, cfg.Store, &logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	cat, err := openCatalogue(ctx, cfg)
	if err != nil {
		return err
	}
	defer cat.close(context.Background())

	rt, err := elements.NewRuntime(cat.Catalogue, cfg.Engine.MaxElements, tel.Logger.NewComponentLogger("runtime").Zerolog())
	if err != nil {
		return fmt.Errorf("failed to create element runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("Failed to stop elements")
		}
	}()

	engineLogger := tel.Logger.NewComponentLogger("engine").Zerolog()
	eng, err := engine.New(cfg.Engine, engine.Dependencies{
		Runtime:  rt,
		Store:    store,
		Observer: tel.Metrics,
		Logger:   &engineLogger,
	})
	if err != nil {
		return err
	}
	rt.Bind(eng)

	installer := &recordingInstaller{
		installer: eng,
		history:   store,
		logger:    logger,
	}

	var inbox *delivery.Inbox
	if cfg.Inbox.Enabled {
		opts := []delivery.Option{delivery.WithLogger(logger)}
		if cfg.Policy.Enabled {
			pe, err := openPolicies(ctx, cfg.Policy, tel.Logger.NewComponentLogger("policy").Zerolog(), true)
			if err != nil {
				return err
			}
			defer func() { _ = pe.Close() }()
			opts = append(opts, delivery.WithAdmitter(pe))
		}
		inbox, err = delivery.NewInbox(delivery.Config{
			Dir:      cfg.Inbox.Dir,
			Debounce: cfg.Inbox.Debounce,
			Names:    cat.names,
		}, installer, opts...)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := eng.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if inbox != nil {
		g.Go(func() error {
			return inbox.Run(gctx)
		})
	}
	if bootPath != "" {
		g.Go(func() error {
			return boot(gctx, installer, bootPath)
		})
	}

	logger.Info().
		Int("max_elements", cfg.Engine.MaxElements).
		Str("store", string(cfg.Store.Backend)).
		Bool("inbox", cfg.Inbox.Enabled).
		Bool("policy", cfg.Policy.Enabled).
		Msg("Node running")

	return g.Wait()
}

// boot installs the configuration at path once the engine loop runs.
func boot(ctx context.Context, installer delivery.Installer, path string) error {
	blob, err := readConfiguration(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to read boot graph: %w", err)
	}
	_, err = telemetry.TrackInstall(ctx, "boot", func(ctx context.Context) (*engine.InstallResult, error) {
		return installer.Deliver(ctx, blob)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("boot install failed: %w", err)
	}
	return nil
}

// openPolicies compiles the built-in policies and the .rego files of the
// policy directory. With watch set the directory is reloaded on change.
func openPolicies(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger, watch bool) (*policy.Engine, error) {
	pe, err := policy.NewEngine(logger, policy.WithPackage(cfg.Package))
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if cfg.Dir == "" {
		return pe, nil
	}
	paths := []string{cfg.Dir}
	if err := pe.LoadPolicies(ctx, paths); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	if watch {
		if err := pe.Watch(ctx, paths, policy.DefaultReloadDelay); err != nil {
			return nil, fmt.Errorf("failed to watch policies: %w", err)
		}
	}
	return pe, nil
}
