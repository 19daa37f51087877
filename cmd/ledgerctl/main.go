package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/punchamoorthee/tenantledger/internal/app"
	"github.com/punchamoorthee/tenantledger/internal/config"
	"github.com/punchamoorthee/tenantledger/internal/logger"
	"github.com/punchamoorthee/tenantledger/internal/tenant"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:           "ledgerctl",
	Short:         "Tenant ledger operator CLI",
	Long:          `Runs settlement, payout relay and schema migration against the configured store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			if err := a.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		})
	},
}

var payrollCmd = &cobra.Command{
	Use:   "payroll",
	Short: "Settlement operations",
}

var payrollTenant string

var payrollRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one settlement cycle now",
	Long: `Runs a full settlement cycle across all active tenants. With --tenant, settles only
that tenant for the given --period without taking the cycle lock.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		period, _ := cmd.Flags().GetString("period")
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			out := cmd.OutOrStdout()
			if payrollTenant == "" {
				ran, err := a.Orchestrator.RunCycle(ctx)
				if err != nil {
					return err
				}
				if !ran {
					fmt.Fprintln(out, "skipped: another instance holds the payroll lock")
					return nil
				}
				fmt.Fprintln(out, "payroll cycle complete")
				return nil
			}

			if _, err := time.Parse("2006-01", period); err != nil {
				return fmt.Errorf("--period must be YYYY-MM: %w", err)
			}
			return tenant.Run(ctx, payrollTenant, func(ctx context.Context) error {
				run, err := a.Orchestrator.SettleTenant(ctx, period)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s: %s succeeded=%d skipped=%d failed=%d total=%s\n",
					run.TenantID, run.Period, run.Status, run.Succeeded, run.Skipped, run.Failed, run.TotalPayout)
				return nil
			})
		})
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Payout relay operations",
}

var relayRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Relay pending payouts to the gateway once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			res, err := a.Relay.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent=%d failed=%d errors=%d\n", res.Sent, res.Failed, res.Errors)
			return nil
		})
	},
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, ServiceName: "ledgerctl"})
	if err != nil {
		return err
	}
	defer log.Sync()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		log.Error("command failed", zap.Error(err))
		return err
	}
	return nil
}

func init() {
	payrollRunCmd.Flags().StringVar(&payrollTenant, "tenant", "", "settle a single tenant")
	payrollRunCmd.Flags().String("period", "", "settlement period (YYYY-MM), required with --tenant")

	payrollCmd.AddCommand(payrollRunCmd)
	relayCmd.AddCommand(relayRunCmd)

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(payrollCmd)
	rootCmd.AddCommand(relayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
