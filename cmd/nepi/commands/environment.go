package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nepi-go/nepi/pkg/description"
	"github.com/nepi-go/nepi/pkg/execution"
	"github.com/nepi-go/nepi/pkg/policy"
	"github.com/nepi-go/nepi/pkg/resources/dummy"
	"github.com/nepi-go/nepi/pkg/resources/linux"
	"github.com/nepi-go/nepi/pkg/script"
	"github.com/nepi-go/nepi/pkg/stores"
	"github.com/nepi-go/nepi/pkg/telemetry"
)

// policyTimeout bounds one policy evaluation before a deploy.
const policyTimeout = 10 * time.Second

// environment holds what a command needs to build and drive controllers.
type environment struct {
	opts      *globalOptions
	registry  *execution.TypeRegistry
	telemetry *telemetry.Telemetry
	store     *stores.SQLiteStore
	policies  *policy.Engine
	logger    zerolog.Logger
}

// newEnvironment registers the resource types and sets up telemetry, the
// optional run store and the policy engine. The metrics server and policy
// reloads stop when ctx is done.
func newEnvironment(ctx context.Context, opts *globalOptions) (*environment, error) {
	env := &environment{opts: opts, registry: execution.NewTypeRegistry()}
	if err := dummy.Register(env.registry); err != nil {
		return nil, err
	}
	if err := linux.Register(env.registry); err != nil {
		return nil, err
	}

	cfg := telemetry.DefaultConfig()
	cfg.Logging.Format = opts.logFormat
	cfg.Logging.Level = zerolog.GlobalLevel().String()
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.Tracing.Exporter = opts.traceExporter
	cfg.Tracing.Enabled = opts.traceExporter != "none"
	cfg.Tracing.Endpoint = opts.traceEndpoint
	cfg.Metrics.Enabled = opts.metricsAddr != ""
	cfg.Metrics.ListenAddress = opts.metricsAddr

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, err
	}
	env.telemetry = tel
	env.logger = tel.Logger.NewComponentLogger("cli").Zerolog()
	tel.Events.Subscribe(env.logFailure, telemetry.FilterByType(execution.EventResourceFailed, execution.EventControllerFailed))

	if opts.metricsAddr != "" {
		errc := tel.Metrics.StartMetricsServer(ctx, opts.metricsAddr)
		go func() {
			if err := <-errc; err != nil {
				log.Error().Err(err).Str("addr", opts.metricsAddr).Msg("Metrics server failed")
			}
		}()
	}

	if opts.dbPath != "" {
		if err := env.openStore(ctx); err != nil {
			_ = env.Close(context.Background())
			return nil, err
		}
	}

	if len(opts.policyPaths) > 0 {
		if err := env.openPolicies(ctx); err != nil {
			_ = env.Close(context.Background())
			return nil, err
		}
	}
	return env, nil
}

func (e *environment) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(stores.Config{Path: e.opts.dbPath})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open %s: %w", e.opts.dbPath, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return err
	}
	e.store = store
	return nil
}

func (e *environment) openPolicies(ctx context.Context) error {
	engine, err := policy.NewEngine(e.logger)
	if err != nil {
		return err
	}
	if err := engine.LoadPolicies(ctx, e.opts.policyPaths); err != nil {
		return err
	}
	e.policies = engine
	return nil
}

// watchPolicies reloads the policy files until ctx is done.
func (e *environment) watchPolicies(ctx context.Context) {
	if e.policies == nil {
		return
	}
	if err := e.policies.Watch(ctx, e.opts.policyPaths); err != nil {
		log.Warn().Err(err).Msg("Policy reload disabled")
	}
}

// controllerConfig returns the controller configuration for a command.
func (e *environment) controllerConfig() execution.Config {
	cfg := execution.DefaultConfig()
	cfg.Workers = e.opts.workers
	if e.store != nil {
		cfg.Publisher = stores.NewRecorder(e.store)
	}
	return e.telemetry.Instrument(cfg)
}

// addValidators installs the policy validator on ec.
func (e *environment) addValidators(ec *execution.ExperimentController) {
	if e.policies != nil {
		ec.AddValidator(e.policies.Validator(policyTimeout))
	}
}

// load builds a controller from a description file or a Starlark script.
// The script result is nil for descriptions.
func (e *environment) load(ctx context.Context, path string, args map[string]string) (*execution.ExperimentController, *script.Result, error) {
	cfg := e.controllerConfig()

	if isScript(path) {
		ec, err := execution.NewController(e.registry, cfg)
		if err != nil {
			return nil, nil, err
		}
		eval := script.NewEvaluator(script.Config{Logger: e.logger})
		scriptArgs := make(map[string]any, len(args))
		for k, v := range args {
			scriptArgs[k] = v
		}
		res, err := eval.ExecFile(ctx, ec, path, scriptArgs)
		if err != nil {
			return nil, nil, err
		}
		e.addValidators(ec)
		return ec, res, nil
	}

	if len(args) > 0 {
		return nil, nil, fmt.Errorf("--arg is only supported for scripts")
	}
	d, err := description.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	ec, err := d.Build(e.registry, cfg)
	if err != nil {
		return nil, nil, err
	}
	e.addValidators(ec)
	return ec, nil, nil
}

// Close flushes telemetry and closes the store.
func (e *environment) Close(ctx context.Context) error {
	var errs []error
	if e.telemetry != nil {
		errs = append(errs, e.telemetry.Shutdown(ctx))
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}

func isScript(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".star")
}

// logFailure reports a failure event with its experiment and resource.
func (e *environment) logFailure(ev execution.Event) {
	logger := e.telemetry.Logger.NewComponentLogger("cli").
		WithExperimentID(ev.ExperimentID).
		WithRunID(ev.RunID)
	if ev.Guid != 0 {
		logger = logger.WithResource(int(ev.Guid), ev.RType)
	}
	if ev.Error != "" {
		logger = logger.WithError(errors.New(ev.Error))
	}

	zl := logger.Zerolog()
	entry := zl.Warn()
	if ev.Type == execution.EventControllerFailed {
		entry = zl.Error()
	}
	entry.
		Str("event", string(ev.Type)).
		Str("action", ev.Action).
		Bool("critical", ev.Critical).
		Msg("Failure reported")
}
