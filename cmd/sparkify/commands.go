package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sparkify/internal/config"
	"sparkify/internal/lake"
	"sparkify/internal/loader"
	"sparkify/internal/logging"
	"sparkify/internal/storage"
	"sparkify/internal/warehouse"
)

func (a *app) openRepository(ctx context.Context) (storage.Repository, error) {
	s := a.cfg.Storage
	dsn := s.ConnString()
	a.log.Debug("opening storage", zap.String("kind", s.Kind), zap.String("dsn", logging.SanitizeDSN(dsn)))
	repo, err := storage.New(ctx, storage.Config{Kind: s.Kind, DSN: dsn})
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", s.Kind, err)
	}
	return repo, nil
}

func newCreateTablesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create-tables",
		Short: "Drop and recreate the relational star schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, config.TargetRelational, "create-tables", func(ctx context.Context) error {
				repo, err := a.openRepository(ctx)
				if err != nil {
					return err
				}
				defer repo.Close()
				return repo.ResetTables(ctx, storage.StarSchema())
			})
		},
	}
}

func newETLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "etl",
		Short: "Load song_data then log_data into the relational star schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, config.TargetRelational, "etl", func(ctx context.Context) error {
				repo, err := a.openRepository(ctx)
				if err != nil {
					return err
				}
				defer repo.Close()
				if err := repo.EnsureTables(ctx, storage.StarSchema()); err != nil {
					return err
				}
				return loader.New(repo, a.log).Run(ctx, a.cfg.Source.SongData, a.cfg.Source.LogData)
			})
		},
	}
}

func (a *app) openWarehouse(ctx context.Context) (*warehouse.Warehouse, error) {
	w := a.cfg.Warehouse
	dsn := w.ConnString()
	a.log.Debug("opening warehouse", zap.String("flavor", w.Flavor), zap.String("dsn", logging.SanitizeDSN(dsn)))
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	return &warehouse.Warehouse{
		Pool:   pool,
		Logger: a.log,
		Options: warehouse.Options{
			Flavor:      warehouse.Flavor(w.Flavor),
			StagingMode: w.StagingMode,
			IAMRole:     w.IAMRole,
			Region:      w.Region,
			LogData:     w.LogData,
			LogJSONPath: w.LogJSONPath,
			SongData:    w.SongData,
		},
	}, nil
}

func newDWHCmd(a *app) *cobra.Command {
	dwh := &cobra.Command{
		Use:   "dwh",
		Short: "Staging-and-transform warehouse variant",
	}
	dwh.AddCommand(
		&cobra.Command{
			Use:   "create-tables",
			Short: "Drop and recreate the staging and star tables",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.run(cmd, config.TargetWarehouse, "dwh create-tables", func(ctx context.Context) error {
					w, err := a.openWarehouse(ctx)
					if err != nil {
						return err
					}
					defer w.Pool.Close()
					return w.ResetTables(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "etl",
			Short: "Stage the raw datasets and build the star tables in the warehouse",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.run(cmd, config.TargetWarehouse, "dwh etl", func(ctx context.Context) error {
					w, err := a.openWarehouse(ctx)
					if err != nil {
						return err
					}
					defer w.Pool.Close()
					return w.Run(ctx)
				})
			},
		},
	)
	return dwh
}

func newLakeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lake",
		Short: "Write the star tables as partitioned parquet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, config.TargetLake, "lake", func(ctx context.Context) error {
				l, err := lake.FromConfig(a.cfg.Lake, a.log)
				if err != nil {
					return err
				}
				return l.Run(ctx)
			})
		},
	}
}

var validateTargets = map[string]config.Target{
	"relational": config.TargetRelational,
	"warehouse":  config.TargetWarehouse,
	"lake":       config.TargetLake,
}

func newValidateCmd(a *app) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Print configuration issues and fail if any is an error",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names := []string{"relational", "warehouse", "lake"}
			if target != "all" {
				if _, ok := validateTargets[target]; !ok {
					return fmt.Errorf("unknown target %q (want relational, warehouse, lake or all)", target)
				}
				names = []string{target}
			}

			invalid := false
			for _, name := range names {
				issues := config.Validate(*a.cfg, validateTargets[name])
				for _, iss := range issues {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", name, iss)
				}
				invalid = invalid || config.HasErrors(issues)
			}
			if invalid {
				return fmt.Errorf("configuration is invalid: %s", a.cfgPathOrEnv())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid: %s\n", a.cfgPathOrEnv())
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "all", "variant to check: relational, warehouse, lake or all")
	return cmd
}
