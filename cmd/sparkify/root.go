package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sparkify/internal/config"
	"sparkify/internal/logging"
)

// app is the state shared by every subcommand once the root pre-run has loaded
// the configuration.
type app struct {
	cfgPath string
	verbose bool

	cfg   *config.Pipeline
	log   *zap.Logger
	runID string
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "sparkify",
		Short:         "Load song and activity-log data into the sparkify star schema",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "pipeline config YAML path (empty reads the environment only)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logs")

	root.AddCommand(
		newCreateTablesCmd(a),
		newETLCmd(a),
		newDWHCmd(a),
		newLakeCmd(a),
		newValidateCmd(a),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if a.verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	a.cfg = cfg
	a.runID = uuid.NewString()
	a.log = logger.With(zap.String("job", cfg.Job), zap.String("run_id", a.runID))
	return nil
}

// checkConfig prints every issue for target and fails when any is an error.
func (a *app) checkConfig(cmd *cobra.Command, target config.Target) error {
	issues := config.Validate(*a.cfg, target)
	for _, iss := range issues {
		fmt.Fprintln(cmd.ErrOrStderr(), iss.String())
	}
	if config.HasErrors(issues) {
		return fmt.Errorf("configuration is invalid: %s", a.cfgPathOrEnv())
	}
	return nil
}

func (a *app) cfgPathOrEnv() string {
	if a.cfgPath == "" {
		return "(environment)"
	}
	return a.cfgPath
}

// run validates the configuration for target, starts the metrics backend and
// calls fn. Metrics are flushed after fn returns, whatever its result.
func (a *app) run(cmd *cobra.Command, target config.Target, name string, fn func(context.Context) error) error {
	if err := a.checkConfig(cmd, target); err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cleanup, err := initMetrics(ctx, a.cfg.Metrics, a.cfg.Job, a.runID, a.log)
	if err != nil {
		return err
	}
	defer cleanup()

	start := time.Now()
	a.log.Info("run started", zap.String("command", name))
	if err := fn(ctx); err != nil {
		a.log.Error("run failed", zap.String("command", name), zap.Error(err))
		return err
	}
	a.log.Info("run completed", zap.String("command", name), zap.Duration("duration", time.Since(start).Truncate(time.Millisecond)))
	return nil
}
