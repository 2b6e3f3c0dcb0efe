package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/papertrade/sim-engine/internal/app"
	"github.com/papertrade/sim-engine/internal/config"
	"github.com/papertrade/sim-engine/internal/model"
	"github.com/papertrade/sim-engine/internal/trade"
)

// errMismatch makes verify exit non-zero.
var errMismatch = errors.New("ledger does not match replayed history")

func newRootCmd(out io.Writer) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "papersim",
		Short:        "Paper-trading ledger, admission rules and equity replay",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "settings YAML (default $SIM_CONFIG)")

	// open loads settings and wires the backends for one command.
	open := func(ctx context.Context) (*app.App, error) {
		s, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		app.SetupLogger(s, os.Stderr)
		return app.Open(ctx, s)
	}

	root.AddCommand(
		portfolioCmd(out, open),
		submitCmd(out, open),
		equityCmd(out, open),
		verifyCmd(out, open),
		serveCmd(open),
	)
	return root
}

type opener func(context.Context) (*app.App, error)

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func portfolioCmd(out io.Writer, open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "portfolio",
		Short: "Print cash, positions and cost basis",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.Service.Portfolio(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(out, p)
		},
	}
}

func submitCmd(out io.Writer, open opener) *cobra.Command {
	var (
		file   string
		tk     string
		side   string
		qty    string
		price  string
		reason string
		at     string
		market bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Gate and execute trade intents",
		Long: "Submit one intent from flags, or a batch from --file " +
			`({"proposals":[{"ticker":"AAPL","action":"BUY","quantity":10,"ref_price":190}]}).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}

			intents, err := readIntents(file, tk, side, qty, price, reason)
			if err != nil {
				return err
			}

			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if market {
				orders := make([]*model.Order, 0, len(intents))
				for _, in := range intents {
					o, err := a.Service.MarketOrder(cmd.Context(), now, in)
					if err != nil {
						return err
					}
					orders = append(orders, o)
				}
				return printJSON(out, orders)
			}

			res, err := a.Service.Submit(cmd.Context(), now, intents)
			if err != nil {
				return err
			}
			return printJSON(out, res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON batch of proposals")
	cmd.Flags().StringVar(&tk, "ticker", "", "ticker symbol")
	cmd.Flags().StringVar(&side, "side", "", "BUY or SELL")
	cmd.Flags().StringVar(&qty, "qty", "", "share quantity")
	cmd.Flags().StringVar(&price, "price", "", "reference price")
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason tag")
	cmd.Flags().StringVar(&at, "at", "", "decision time (RFC3339, default now)")
	cmd.Flags().BoolVar(&market, "market", false, "execute without admission checks")
	return cmd
}

func readIntents(file, tk, side, qty, price, reason string) ([]model.TradeIntent, error) {
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var req trade.SimulateRequest
		if err := json.Unmarshal(b, &req); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		intents := make([]model.TradeIntent, 0, len(req.Proposals))
		for _, p := range req.Proposals {
			in, err := p.Intent()
			if err != nil {
				return nil, err
			}
			intents = append(intents, in)
		}
		return intents, nil
	}

	s, err := model.ParseSide(side)
	if err != nil {
		return nil, err
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return nil, &model.ValidationError{Field: "qty", Message: fmt.Sprintf("not a number: %q", qty)}
	}
	px, err := decimal.NewFromString(price)
	if err != nil {
		return nil, &model.ValidationError{Field: "price", Message: fmt.Sprintf("not a number: %q", price)}
	}
	return []model.TradeIntent{{Ticker: tk, Side: s, Quantity: q, ReferencePrice: px, Reason: reason}}, nil
}

func equityCmd(out io.Writer, open opener) *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "equity",
		Short: "Replay order history into a daily equity series",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			loc := a.Settings.Location()
			from, err := time.ParseInLocation(time.DateOnly, start, loc)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			to, err := time.ParseInLocation(time.DateOnly, end, loc)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}

			series, err := a.Service.EquityRange(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			for _, p := range series {
				fmt.Fprintf(out, "%s\t%s\n", p.DateString(), p.Equity.StringFixed(2))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "last day (YYYY-MM-DD)")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func verifyCmd(out io.Writer, open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that replaying order history reproduces the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.Service.Portfolio(cmd.Context()); err != nil {
				return err
			}
			rec, err := a.Service.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(out, rec); err != nil {
				return err
			}
			if !rec.OK() {
				return errMismatch
			}
			return nil
		},
	}
}

func serveCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			go a.Hub.Run(ctx)
			srv := &http.Server{
				Addr:         ":" + a.Settings.Server.Port,
				Handler:      trade.NewRouter(a.Service, a.Hub),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 60 * time.Second,
				IdleTimeout:  60 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			slog.Info("papersim serving", "port", a.Settings.Server.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}
