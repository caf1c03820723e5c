// Command paymentctl runs operator tasks against the payment-service database:
// schema migrations, fee previews and the stale pending charge report.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/hngcommerce/payment-service/internal/app"
	"github.com/hngcommerce/payment-service/internal/config"
	"github.com/hngcommerce/payment-service/internal/domain"
	"github.com/hngcommerce/payment-service/internal/store"
	"github.com/hngcommerce/payment-service/pkg/gateway"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "paymentctl",
		Short:         "Operator tooling for the payment-service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(migrateCmd(), feesCmd(), ledgerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	withMigrator := func(run func(m *store.Migrator, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(".")
			if err != nil {
				return err
			}
			m, err := store.NewMigrator(cfg.DatabaseURL, cfg.MigrationsPath)
			if err != nil {
				return err
			}
			defer m.Close()
			return run(m, cmd.OutOrStdout())
		}
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: withMigrator(func(m *store.Migrator, out io.Writer) error {
			if err := m.Down(steps); err != nil {
				return err
			}
			fmt.Fprintf(out, "rolled back %d migration(s)\n", steps)
			return nil
		}),
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: withMigrator(func(m *store.Migrator, out io.Writer) error {
				if err := m.Up(); err != nil {
					return err
				}
				fmt.Fprintln(out, "migrations applied")
				return nil
			}),
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: withMigrator(func(m *store.Migrator, out io.Writer) error {
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "version=%d dirty=%t\n", version, dirty)
				return nil
			}),
		},
	)
	return cmd
}

type quoteOptions struct {
	gross       string
	gatewayID   string
	method      string
	productType string
	tier        int
}

func feesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fees",
		Short: "Inspect fee tables",
	}

	var opts quoteOptions
	quote := &cobra.Command{
		Use:   "quote",
		Short: "Preview the fee breakdown of a charge",
		Example: `  paymentctl fees quote --gross 1000 --gateway mercadopago --method pix
  paymentctl fees quote --gross 250.50 --gateway asaas --method boleto --tier 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(".")
			if err != nil {
				return err
			}
			calc, err := app.LoadFeeCalculator(cfg.TierTable, cfg.GatewayFees)
			if err != nil {
				return err
			}
			breakdown, err := quoteFees(calc, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), breakdown)
		},
	}
	quote.Flags().StringVar(&opts.gross, "gross", "", "order total in BRL")
	quote.Flags().StringVar(&opts.gatewayID, "gateway", "", "gateway id")
	quote.Flags().StringVar(&opts.method, "method", "pix", "payment method")
	quote.Flags().StringVar(&opts.productType, "product-type", "physical", "product type")
	quote.Flags().IntVar(&opts.tier, "tier", 1, "merchant tier level")
	_ = quote.MarkFlagRequired("gross")
	_ = quote.MarkFlagRequired("gateway")

	cmd.AddCommand(quote)
	return cmd
}

func quoteFees(calc *app.FeeCalculator, opts quoteOptions) (domain.FeeBreakdown, error) {
	gross, err := decimal.NewFromString(opts.gross)
	if err != nil || !gross.IsPositive() {
		return domain.FeeBreakdown{}, fmt.Errorf("--gross must be a positive amount, got %q", opts.gross)
	}
	method, err := gateway.ParseMethod(opts.method)
	if err != nil {
		return domain.FeeBreakdown{}, err
	}
	tier, ok := calc.Tiers().ByLevel(opts.tier)
	if !ok {
		return domain.FeeBreakdown{}, fmt.Errorf("unknown tier level %d", opts.tier)
	}
	return calc.CalculateAllFees(gross, opts.productType, opts.gatewayID, method, tier), nil
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the payment ledger",
	}

	var olderThan time.Duration
	stale := &cobra.Command{
		Use:   "stale",
		Short: "List pending charges older than their settlement window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(".")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("unable to connect to database: %w", err)
			}
			defer pool.Close()

			calc, err := app.LoadFeeCalculator(cfg.TierTable, cfg.GatewayFees)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			service := app.NewService(store.NewPostgresRepository(pool), gateway.NewRegistry(), calc, nil, nil, logger, app.Config{
				StaleAfter:          time.Duration(cfg.StalePendingHours) * time.Hour,
				StaleAfterBoleto:    time.Duration(cfg.StaleBoletoHours) * time.Hour,
				StaleAfterByGateway: cfg.StaleOverrides(),
			})

			charges, err := service.StalePending(ctx, olderThan)
			if err != nil {
				return err
			}
			if charges == nil {
				charges = []domain.StaleCharge{}
			}
			return printJSON(cmd.OutOrStdout(), charges)
		},
	}
	stale.Flags().DurationVar(&olderThan, "older-than", 0, "override every settlement window, e.g. 48h")

	cmd.AddCommand(stale)
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
