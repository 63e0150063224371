package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/scranton_straddle/internal/config"
	"github.com/eddiefleurent/scranton_straddle/internal/logging"
	"github.com/eddiefleurent/scranton_straddle/internal/models"
	"github.com/eddiefleurent/scranton_straddle/internal/orders"
	"github.com/eddiefleurent/scranton_straddle/internal/reconcile"
	"github.com/eddiefleurent/scranton_straddle/internal/retry"
	"github.com/eddiefleurent/scranton_straddle/internal/storage"
)

// maskAccountID hides all but the last four characters of an account id.
func maskAccountID(id string) string {
	if len(id) > 4 {
		return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
	}
	return id
}

// auditRow compares one contract's broker and ledger quantities.
type auditRow struct {
	ConID    int64  `json:"con_id"`
	Contract string `json:"contract"`
	Broker   int    `json:"broker"`
	Ledger   int    `json:"ledger"`
}

func (r auditRow) Mismatch() bool { return r.Broker != r.Ledger }

// auditPositions lines up broker positions against the ledger by contract.
func auditPositions(brokerPositions []models.BrokerPosition, ledger []models.Position) []auditRow {
	rows := make(map[int64]*auditRow)
	get := func(c models.Contract) *auditRow {
		r, ok := rows[c.ConID]
		if !ok {
			r = &auditRow{ConID: c.ConID, Contract: c.String()}
			rows[c.ConID] = r
		}
		return r
	}
	for _, p := range brokerPositions {
		if p.Contract.SecType != models.SecTypeOption {
			continue
		}
		get(p.Contract).Broker += p.Quantity
	}
	for _, p := range ledger {
		get(p.Contract).Ledger += p.Quantity
	}
	out := make([]auditRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConID < out[j].ConID })
	return out
}

func writeAudit(w io.Writer, account string, rows []auditRow, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"account": maskAccountID(account), "positions": rows})
	}
	fmt.Fprintf(w, "Account %s\n", maskAccountID(account))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONTRACT\tBROKER\tLEDGER\t")
	mismatches := 0
	for _, r := range rows {
		flag := ""
		if r.Mismatch() {
			flag = "MISMATCH"
			mismatches++
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", r.Contract, r.Broker, r.Ledger, flag)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d contracts, %d mismatched\n", len(rows), mismatches)
	return nil
}

func startOfDay(now time.Time, loc *time.Location) time.Time {
	now = now.In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
}

func auditCmd(configPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Compare broker option positions with today's trade ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := logging.New(os.Stderr, cfg.Environment.LogLevel, cfg.Environment.LogFormat)
			ctx := cmd.Context()

			store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN, logger)
			if err != nil {
				return fmt.Errorf("opening storage: %w", err)
			}
			defer func() { _ = store.Close() }()

			client, _, err := connectBroker(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer disconnect(client, logger)

			brokerPositions, err := client.Positions(ctx)
			if err != nil {
				return fmt.Errorf("reading broker positions: %w", err)
			}
			ledger, err := store.AllOpenPositions(ctx, startOfDay(time.Now(), cfg.Location()))
			if err != nil {
				return err
			}
			return writeAudit(cmd.OutOrStdout(), cfg.Broker.AccountID, auditPositions(brokerPositions, ledger), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output results as JSON")
	return cmd
}

// brokerLongs converts long option positions into closable positions.
func brokerLongs(positions []models.BrokerPosition) []models.Position {
	var out []models.Position
	for _, p := range positions {
		if p.Contract.SecType != models.SecTypeOption || p.Quantity <= 0 {
			continue
		}
		out = append(out, models.Position{
			Symbol:   p.Contract.Symbol,
			Contract: p.Contract,
			Quantity: p.Quantity,
			AvgPrice: p.AvgCost / p.Contract.PriceMultiplier(),
			Source:   models.SourceBroker,
		})
	}
	return out
}

func liquidateCmd(configPath *string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "liquidate",
		Short: "Sell every long option position held at the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := logging.New(os.Stderr, cfg.Environment.LogLevel, cfg.Environment.LogFormat)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN, logger)
			if err != nil {
				return fmt.Errorf("opening storage: %w", err)
			}
			defer func() { _ = store.Close() }()

			client, _, err := connectBroker(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer disconnect(client, logger)

			positions, err := retry.Do(ctx, retry.New(logger), "positions", client.Positions)
			if err != nil {
				return fmt.Errorf("reading broker positions: %w", err)
			}
			longs := brokerLongs(positions)
			if len(longs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no long option positions")
				return nil
			}

			// ledger fills are recorded so the next session sees a flat book
			engine := orders.NewEngine(client, store, reconcile.New(store, logger), nil, logger, time.Now(), engineConfig(cfg))
			bySymbol := make(map[string][]models.Position)
			for _, p := range longs {
				bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p)
			}
			var failed []string
			for symbol, ps := range bySymbol {
				if err := engine.Close(ctx, orders.BidOnly(symbol), ps); err != nil {
					logger.WithError(err).WithField("symbol", symbol).Error("Liquidation incomplete")
					failed = append(failed, symbol)
				}
			}
			if len(failed) > 0 {
				sort.Strings(failed)
				return fmt.Errorf("liquidation incomplete for %s", strings.Join(failed, ", "))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "liquidated %d positions\n", len(longs))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Give up after this long")
	return cmd
}
