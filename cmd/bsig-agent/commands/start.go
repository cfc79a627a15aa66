package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/openfroyo/bsig/pkg/config"
	"github.com/openfroyo/bsig/pkg/engine"
	"github.com/openfroyo/bsig/pkg/lock"
	"github.com/openfroyo/bsig/pkg/modules"
	"github.com/openfroyo/bsig/pkg/policy"
	"github.com/openfroyo/bsig/pkg/registry"
	"github.com/openfroyo/bsig/pkg/runtime"
	"github.com/openfroyo/bsig/pkg/stores"
	"github.com/openfroyo/bsig/pkg/telemetry"
	"github.com/openfroyo/bsig/pkg/transport"
)

func newStartCommand() *cobra.Command {
	var satisfierOnly bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the agent",
		Long: `Start the peer server and the repair engine.

The agent keeps its registry, models and audit trail in <data_dir>/bsig.db,
loads resource modules from <modules_dir> and trust policies from
<policy_dir>. Both directories are watched and reloaded on change.`,
		Example: `  # Run with defaults
  bsig-agent start

  # Run with a config file and only answer delegated goals
  bsig-agent start -c /etc/bsig/agent.yaml --satisfier-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg, satisfierOnly)
		},
	}

	cmd.Flags().BoolVar(&satisfierOnly, "satisfier-only", false, "serve delegated goals without running the main loop")

	return cmd
}

func runAgent(ctx context.Context, cfg *config.AgentConfig, satisfierOnly bool) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	ctx = tel.WithContext(ctx)
	logger := tel.Logger.Zerolog().With().Str("agent", cfg.Agent.Name).Logger()

	metricsAddr, err := tel.StartMetricsServer(ctx)
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		logger.Info().Str("address", metricsAddr).Msg("Metrics server listening")
	}

	for _, dir := range []string{cfg.DataDir, cfg.ModulesDir, cfg.PolicyDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	release, err := writePIDFile(cfg.PIDFile())
	if err != nil {
		return err
	}
	defer release()

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Store.Path,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	tel.Events.Subscribe(store.EventRecorder(logger), nil)

	backend, err := lock.Open(ctx, cfg.LockOptions())
	if err != nil {
		return fmt.Errorf("failed to open lock backend: %w", err)
	}
	defer backend.Close()

	client, err := transport.NewClient(transport.ClientConfig{
		Self:           cfg.Agent.Name,
		DialTimeout:    cfg.Client.DialTimeout,
		RequestTimeout: cfg.Client.RequestTimeout,
		HTTPProxy:      cfg.Client.HTTPProxy,
		NoProxy:        cfg.Client.NoProxy,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create peer client: %w", err)
	}

	reg := registry.New(cfg.Agent.Name, store, client,
		registry.WithLogger(logger),
		registry.WithMetrics(tel.Metrics),
		registry.WithEvents(tel.Events),
	)
	inventory := modules.NewInventory(cfg.ModulesDir, logger)

	rt, err := runtime.New(runtime.Config{
		Self:        cfg.Agent.Name,
		ModulesDir:  cfg.ModulesDir,
		CallTimeout: cfg.Engine.CallTimeout,
	}, store, logger)
	if err != nil {
		return err
	}
	if err := rt.Watch(ctx); err != nil {
		logger.Warn().Err(err).Msg("Module reload disabled")
	}

	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		Runtime:   rt,
		Registry:  reg,
		Models:    store,
		Locks:     backend.Locks,
		Throttle:  backend.Throttle,
		Peers:     client,
		Modules:   inventory,
		Augmenter: engine.CloudAugmenter{DefaultPort: cfg.Engine.DefaultPeerPort},
		Logger:    logger,
		Metrics:   tel.Metrics,
		Tracer:    tel.Tracer,
		Events:    tel.Events,
	})
	if err != nil {
		return err
	}

	trust, err := newTrustPolicy(ctx, cfg.PolicyDir, logger)
	if err != nil {
		return err
	}

	srv, err := transport.NewServer(transport.ServerConfig{
		ListenAddress: cfg.ListenAddress(),
	}, transport.ServerDeps{
		Engine:     eng,
		Registry:   reg,
		Store:      store,
		Modules:    inventory,
		Authorizer: trust,
		Logger:     logger,
		Metrics:    tel.Metrics,
		Events:     tel.Events,
	})
	if err != nil {
		return err
	}

	// Satisfier requests register and lock from the moment the server
	// listens, so stale state is cleared first.
	eng.ClearStaleState(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if satisfierOnly {
		eng.Enable()
		logger.Info().Msg("Main loop disabled, serving delegated goals only")
	} else {
		g.Go(func() error { return eng.Run(gctx) })
	}
	return g.Wait()
}

// newTrustPolicy loads the policies under dir and reloads them on change.
func newTrustPolicy(ctx context.Context, dir string, logger zerolog.Logger) (*policy.Engine, error) {
	trust, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	paths := []string{dir}
	if err := trust.LoadPolicies(ctx, paths); err != nil {
		return nil, err
	}
	loader := policy.NewLoader(logger)
	reload := func(ps []policy.Policy) error { return trust.ReplacePolicies(ctx, ps) }
	if err := loader.Watch(ctx, paths, reload); err != nil {
		logger.Warn().Err(err).Msg("Policy reload disabled")
	} else {
		context.AfterFunc(ctx, func() { _ = loader.StopWatching() })
	}
	return trust, nil
}

// writePIDFile records this process in path. It refuses to start while the
// process named in an existing file is still alive.
func writePIDFile(path string) (func(), error) {
	if data, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err == nil && pid > 0 && pid != os.Getpid() {
			if err := unix.Kill(pid, 0); err == nil || errors.Is(err, unix.EPERM) {
				return nil, fmt.Errorf("agent already running with pid %d (%s)", pid, path)
			}
		}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	return func() { _ = os.Remove(path) }, nil
}
