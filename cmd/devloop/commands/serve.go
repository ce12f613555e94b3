package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devloop/devloop/pkg/agent"
	"github.com/devloop/devloop/pkg/api"
	"github.com/devloop/devloop/pkg/config"
	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/escalation"
	"github.com/devloop/devloop/pkg/gates"
	"github.com/devloop/devloop/pkg/platform/github"
	"github.com/devloop/devloop/pkg/policy"
	"github.com/devloop/devloop/pkg/stores"
	"github.com/devloop/devloop/pkg/telemetry"
	"github.com/devloop/devloop/pkg/workflow"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the devloop server",
		Long: `Run the orchestrator, escalation manager and HTTP API in one process.

On startup serve:
  - Opens and migrates the SQLite event store
  - Replays spooled events left by a previous run
  - Restores open escalations and resumes every non-terminal workflow
  - Scans the workspace for analyzers

On SIGINT or SIGTERM it stops accepting requests, lets running steps reach a
boundary and flushes the event spool.`,
		Example: `  # Serve with a config file
  devloop serve --config /etc/devloop/devloop.yaml

  # Everything from the environment
  DEVLOOP_AGENT_COMMAND=my-agent GITHUB_TOKEN=ghp_... devloop serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, dataDir)
			if err != nil {
				return err
			}
			if verbose {
				cfg.Telemetry.Logging.Level = "debug"
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	return cmd
}

// server holds every long-lived component of a running devloop process.
type server struct {
	cfg       *config.Config
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	sqlite    *stores.SQLiteStore
	buffer    *stores.BufferedStore
	escalator *escalation.Manager
	ai        *agent.Provider
	loader    *policy.Loader
	orch      *workflow.Orchestrator
	http      *api.Server
}

func runServer(ctx context.Context, cfg *config.Config) error {
	srv, err := buildServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.close()

	return srv.run(ctx)
}

func buildServer(ctx context.Context, cfg *config.Config) (*server, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()
	log.Logger = logger

	s := &server{cfg: cfg, tel: tel, logger: logger}
	built := false
	defer func() {
		if !built {
			s.close()
		}
	}()

	if s.sqlite, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}

	alerts := &operatorAlerts{}
	if s.buffer, err = stores.NewBufferedStore(s.sqlite, cfg.Store.Buffer(), alerts, logger); err != nil {
		return nil, fmt.Errorf("failed to open event spool: %w", err)
	}
	s.buffer.OnDepthChange(tel.Metrics.SetBufferDepth)
	journal := workflow.NewJournal(s.buffer, tel.Metrics)

	channels, err := notificationChannels(cfg.Escalation)
	if err != nil {
		return nil, err
	}
	s.escalator, err = escalation.NewManager(journal, s.sqlite, cfg.Escalation.Manager(),
		escalation.WithLogger(logger),
		escalation.WithMetrics(tel.Metrics),
		escalation.WithChannels(channels...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create escalation manager: %w", err)
	}
	alerts.manager.Store(s.escalator)

	executor, err := s.buildExecutor(ctx, journal)
	if err != nil {
		return nil, err
	}

	git, err := github.New(ctx, cfg.GitHub, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub platform: %w", err)
	}

	if s.ai, err = agent.New(cfg.Agent, nil, logger); err != nil {
		return nil, fmt.Errorf("failed to create agent provider: %w", err)
	}

	registry, err := loadAnalyzers(ctx, cfg.Gates)
	if err != nil {
		return nil, err
	}
	invokers := newGateInvokers(cfg.Gates, gates.NewExecRunner(cfg.Gates.MaxOutputBytes), git, registry, logger)

	s.orch, err = workflow.New(cfg.Orchestrator, workflow.Dependencies{
		Journal:     journal,
		Store:       s.sqlite,
		Executor:    executor,
		Escalations: s.escalator,
		AI:          s.ai,
		Git:         git,
		Gates:       invokers.invoker,
		Metrics:     tel.Metrics,
		Logger:      logger,
		Pending:     s.buffer,
		Telemetry:   tel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	deps := api.Dependencies{
		Workflows:   s.orch,
		Escalations: s.escalator,
		Store:       s.sqlite,
		Logger:      logger,
	}
	if tel.Metrics.Enabled() {
		deps.Metrics = tel.Metrics.Handler()
	}
	if s.http, err = api.NewServer(cfg.HTTP, deps); err != nil {
		return nil, fmt.Errorf("failed to create API server: %w", err)
	}

	built = true
	return s, nil
}

// buildExecutor assembles the quality gate executor and its classifier chain:
// optional Starlark script, then OPA gate policies, then built-in patterns.
func (s *server) buildExecutor(ctx context.Context, events engine.EventAppender) (*gates.Executor, error) {
	gcfg := s.cfg.Gates

	policies, err := policy.NewEngine(s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(gcfg.PolicyPaths) > 0 {
		if err := policies.LoadPolicies(ctx, gcfg.PolicyPaths); err != nil {
			return nil, err
		}
		if gcfg.WatchPolicies {
			s.loader = policy.NewLoader(s.logger)
			reload := func(loaded []policy.Policy) error {
				return policies.ReplacePolicies(context.Background(), loaded)
			}
			if err := s.loader.Watch(ctx, gcfg.PolicyPaths, reload); err != nil {
				return nil, fmt.Errorf("failed to watch policies: %w", err)
			}
		}
	}

	var script *gates.ClassifierScript
	if gcfg.ClassifierScript != "" {
		if script, err = gates.LoadClassifierScript(gcfg.ClassifierScript, gcfg.ScriptTimeout); err != nil {
			return nil, fmt.Errorf("failed to load classifier script: %w", err)
		}
	}

	executor, err := gates.NewExecutor(s.cfg.Retry, events,
		gates.WithClassifier(gates.NewChainClassifier(script, policies, s.logger)),
		gates.WithMetrics(s.tel.Metrics),
		gates.WithLogger(s.logger),
		gates.WithMaxDiagnosticBytes(gcfg.MaxDiagnosticBytes),
		gates.WithObserver(traceGateResult),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate executor: %w", err)
	}
	return executor, nil
}

func (s *server) run(ctx context.Context) error {
	if err := s.buffer.Flush(ctx); err != nil {
		s.logger.Warn().Err(err).
			Int("pending", s.buffer.Pending()).
			Msg("event store not ready, recovering with spooled events")
	}
	s.buffer.Start(ctx)
	s.escalator.Start(ctx)

	resumed, err := s.orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover workflows: %w", err)
	}

	if err := s.tel.Metrics.StartMetricsServer(func(err error) {
		s.logger.Error().Err(err).Msg("metrics server failed")
	}); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Start() }()

	s.logger.Info().
		Str("addr", s.http.Addr()).
		Int("resumed", resumed).
		Strs("channels", s.escalator.Channels()).
		Msg("devloop server started")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
	}

	return s.shutdown()
}

func (s *server) shutdown() error {
	timeout := s.cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = api.DefaultConfig().ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info().Msg("shutting down")

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api: %w", err))
	}
	if err := s.orch.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	s.escalator.Close(ctx)
	if err := s.buffer.Flush(ctx); err != nil {
		s.logger.Warn().Err(err).Int("pending", s.buffer.Pending()).Msg("events left in spool")
	}
	return errors.Join(errs...)
}

// close releases resources in reverse order of construction. It is safe on a
// partially built server.
func (s *server) close() {
	if s.ai != nil {
		if err := s.ai.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to stop agent sessions")
		}
	}
	if s.loader != nil {
		_ = s.loader.StopWatching()
	}
	if s.buffer != nil {
		if err := s.buffer.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close event spool")
		}
	}
	if s.sqlite != nil {
		if err := s.sqlite.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close event store")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
	}
}

// notificationChannels builds the configured escalation channels.
func notificationChannels(cfg config.EscalationConfig) ([]engine.NotificationChannel, error) {
	var channels []engine.NotificationChannel
	if cfg.CLI {
		channels = append(channels, escalation.NewCLIChannel(os.Stderr))
	}

	client := &http.Client{Timeout: 30 * time.Second}
	for _, wc := range cfg.Webhooks {
		ch, err := escalation.NewWebhookChannel(wc, client)
		if err != nil {
			return nil, fmt.Errorf("webhook %s: %w", wc.Name, err)
		}
		channels = append(channels, ch)
	}

	if cfg.Email != nil {
		ch, err := escalation.NewEmailChannel(*cfg.Email, nil)
		if err != nil {
			return nil, fmt.Errorf("email channel: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

// operatorAlerts forwards event store outages to the escalation manager once
// it exists. The buffered store is built first because the manager records
// its own events through it.
type operatorAlerts struct {
	manager atomic.Pointer[escalation.Manager]
}

func (a *operatorAlerts) OperatorAlert(ctx context.Context, alert engine.Alert) error {
	m := a.manager.Load()
	if m == nil {
		log.Error().Str("title", alert.Title).Msg("operator alert raised before escalation manager started")
		return errors.New("escalation manager not ready")
	}
	return m.OperatorAlert(ctx, alert)
}

func traceGateResult(ctx context.Context, subject gates.Subject, result gates.GateResult) {
	telemetry.AddEvent(telemetry.SpanFromContext(ctx), "gate."+string(result.Kind),
		telemetry.AttrInstanceID.String(subject.InstanceID),
		telemetry.AttrAction.String(string(result.Action)),
		telemetry.AttrAttempt.Int(result.Attempt),
		telemetry.AttrOutcome.String(string(result.Outcome)),
	)
}
