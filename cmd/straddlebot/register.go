package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eddiefleurent/scranton_straddle/internal/config"
	"github.com/eddiefleurent/scranton_straddle/internal/logging"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/storage"
)

func registerCmd(configPath *string) *cobra.Command {
	var reg models.Registration
	var secType string
	cmd := &cobra.Command{
		Use:   "register SYMBOL",
		Short: "Add an underlying to the instrument registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := logging.New(os.Stderr, cfg.Environment.LogLevel, cfg.Environment.LogFormat)

			reg.Symbol = args[0]
			reg.SecType = models.SecType(secType)
			if err := reg.Validate(); err != nil {
				return err
			}

			store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN, logger)
			if err != nil {
				return fmt.Errorf("opening storage: %w", err)
			}
			defer func() { _ = store.Close() }()

			id, err := store.RegisterUnderlying(cmd.Context(), reg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s as instrument %d\n", reg.Symbol, id)
			return nil
		},
	}
	f := cmd.Flags()
	f.Int64Var(&reg.ConID, "con-id", 0, "Broker contract id of the underlying (required)")
	f.StringVar(&secType, "sec-type", string(models.SecTypeStock), "STK or IND")
	f.StringVar(&reg.Currency, "currency", "USD", "Currency")
	f.StringVar(&reg.Exchange, "exchange", "", "Listing exchange (required for IND)")
	f.StringVar(&reg.PrimaryExchange, "primary-exchange", "", "Primary exchange (required for STK)")
	f.StringVar(&reg.OptionExchange, "option-exchange", "", "Option routing exchange")
	f.StringVar(&reg.OptionTradingClass, "trading-class", "", "Option trading class, defaults to the symbol")
	f.IntVar(&reg.OptionMultiplier, "multiplier", 100, "Option multiplier")
	f.StringVar(&reg.OptionStyle, "option-style", "", "Option exercise style")
	f.BoolVar(&reg.Is1256Contract, "1256", false, "Section 1256 contract")
	_ = cmd.MarkFlagRequired("con-id")
	return cmd
}
