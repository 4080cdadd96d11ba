package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aryan0dhankhar/clinicore/internal/domain"
	"github.com/aryan0dhankhar/clinicore/internal/infrastructure/logger"
	"github.com/aryan0dhankhar/clinicore/internal/service"
	"github.com/aryan0dhankhar/clinicore/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "clinicore",
		Short:        "Administer the clinicore persistence core",
		SilenceUsage: true,
	}
	root.AddCommand(migrateCmd(), tenantCmd())
	return root
}

// withCore loads configuration, builds the core and closes it after fn.
func withCore(cmd *cobra.Command, fn func(ctx context.Context, core *service.Core) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	core, err := service.New(cmd.Context(), cfg, logger.NewLogger(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(cmd.Context(), core)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, revert or inspect schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, func(ctx context.Context, core *service.Core) error {
				res, err := core.Migrate(ctx)
				for _, r := range res.Applied {
					fmt.Fprintf(cmd.OutOrStdout(), "✓ applied %04d %s\n", r.Version, r.Name)
				}
				if err != nil {
					return err
				}
				if len(res.Applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Revert the most recently applied migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, func(ctx context.Context, core *service.Core) error {
				rec, err := core.Migrations.RevertLast(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ reverted %04d %s\n", rec.Version, rec.Name)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied, pending and drifted migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, func(ctx context.Context, core *service.Core) error {
				status, err := core.Migrations.Status(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tNAME\tSTATE\tREVERSIBLE\tAPPLIED")
				for _, s := range status {
					applied := "-"
					if s.AppliedAt != nil {
						applied = s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%04d\t%s\t%s\t%t\t%s\n", s.Version, s.Name, s.State, s.Reversible, applied)
				}
				return w.Flush()
			})
		},
	})
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	var mode string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an active tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, func(ctx context.Context, core *service.Core) error {
				t := &domain.Tenant{Name: args[0], Mode: domain.TenantMode(mode), IsActive: true}
				if err := core.Tenants.Create(ctx, t); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ tenant created: %s\n", t.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&mode, "mode", string(domain.ModeSingleProvider), "SINGLE_PROVIDER or MULTI_PROVIDER")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, func(ctx context.Context, core *service.Core) error {
				tenants, err := core.Tenants.List(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tMODE\tACTIVE\tCREATED")
				for _, t := range tenants {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", t.ID, t.Name, t.Mode, t.IsActive, t.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deactivate ID",
		Short: "Deactivate a tenant; its records stay readable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			return withCore(cmd, func(ctx context.Context, core *service.Core) error {
				if err := core.Directory.Deactivate(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ tenant deactivated: %s\n", id)
				return nil
			})
		},
	})
	return cmd
}
