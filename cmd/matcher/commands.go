package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/rickgao/coupon-exchange/internal/config"
	"github.com/rickgao/coupon-exchange/internal/model"
	"github.com/rickgao/coupon-exchange/internal/version"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "matcher",
		Short:        "Realtime matching client for the data coupon marketplace",
		Version:      version.String(),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "configs/matcher.yaml", "path to config file")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "enable debug logging")

	root.AddCommand(
		buildBuyerCmd(opts),
		buildSellerCmd(opts),
		buildWatchCmd(opts),
		buildVersionCmd(),
	)
	return root
}

func buildBuyerCmd(opts *rootOptions) *cobra.Command {
	var (
		carrier     string
		data        string
		price       string
		autoRequest bool
	)

	cmd := &cobra.Command{
		Use:   "buyer",
		Short: "Register a buyer filter and stream matching candidates",
		Example: `  matcher buyer --carrier SKT --data 2 --price 1000-1499
  matcher buyer --carrier ANY --data 1 --price ALL --auto-request`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilter(carrier, data, price)
			if err != nil {
				return err
			}
			return runRole(cmd.Context(), opts, &buyerSession{filter: filter, autoRequest: autoRequest})
		},
	}

	cmd.Flags().StringVar(&carrier, "carrier", string(model.CarrierAny), "carrier: SKT, KT, LG or ANY")
	cmd.Flags().StringVar(&data, "data", "1", "data amount in GB")
	cmd.Flags().StringVar(&price, "price", string(model.PriceAll), "price bucket: ALL, 0-999, 1000-1499, 1500-1999, 2000-2499, 2500+")
	cmd.Flags().BoolVar(&autoRequest, "auto-request", false, "request a trade on the first candidate")
	return cmd
}

func buildSellerCmd(opts *rootOptions) *cobra.Command {
	var (
		carrier     string
		data        string
		price       string
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:     "seller",
		Short:   "Register a seller listing and handle incoming requests",
		Example: `  matcher seller --carrier KT --data 1.5 --price 2000 --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			listing, err := parseListing(carrier, data, price)
			if err != nil {
				return err
			}
			return runRole(cmd.Context(), opts, &sellerSession{listing: listing, autoApprove: autoApprove})
		},
	}

	cmd.Flags().StringVar(&carrier, "carrier", "", "carrier: SKT, KT or LG")
	cmd.Flags().StringVar(&data, "data", "", "data amount in GB")
	cmd.Flags().StringVar(&price, "price", "", "price in won")
	cmd.MarkFlagRequired("carrier")
	cmd.MarkFlagRequired("data")
	cmd.MarkFlagRequired("price")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "approve every incoming request")
	return cmd
}

func buildWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Connect without a role and log user counts and connection events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRole(cmd.Context(), opts, watchSession{})
		},
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

// runRole loads config, builds the app and runs role until SIGINT/SIGTERM.
func runRole(ctx context.Context, opts *rootOptions, role roleSession) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(opts.debug)
	logger.Info("starting matcher", append(version.Get().LogAttrs(), "config", opts.configPath)...)

	cfg, err := config.LoadAndValidate(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.run(ctx, role)
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func parseFilter(carrier, data, price string) (model.Filter, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(data))
	if err != nil {
		return model.Filter{}, fmt.Errorf("parse --data %q: %w", data, err)
	}
	f := model.Filter{
		Carrier:      model.Carrier(strings.ToUpper(strings.TrimSpace(carrier))),
		DataAmountGB: amount,
		PriceRange:   model.PriceRange(strings.ToUpper(strings.TrimSpace(price))),
	}
	if err := f.Validate(); err != nil {
		return model.Filter{}, err
	}
	return f, nil
}

func parseListing(carrier, data, price string) (model.Listing, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(data))
	if err != nil {
		return model.Listing{}, fmt.Errorf("parse --data %q: %w", data, err)
	}
	won, err := strconv.ParseInt(strings.TrimSpace(price), 10, 64)
	if err != nil {
		return model.Listing{}, fmt.Errorf("parse --price %q: %w", price, err)
	}
	l := model.Listing{
		Carrier:      model.Carrier(strings.ToUpper(strings.TrimSpace(carrier))),
		DataAmountGB: amount,
		PriceWon:     won,
		Active:       true,
	}
	if err := l.Validate(); err != nil {
		return model.Listing{}, err
	}
	return l, nil
}
