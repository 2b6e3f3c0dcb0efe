// Package execution turns accepted trade intents into fills: it prices the
// fill with adverse slippage, settles cash and position, and appends an
// immutable order, all inside one store unit of work.
//
// Apply assumes no concurrent in-flight mutation of the same ledger;
// callers serialize (trade.Service holds a mutex, PostgresStore locks the
// cash row for the life of the transaction).
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/sim-engine/internal/ledger"
	"github.com/papertrade/sim-engine/internal/metrics"
	"github.com/papertrade/sim-engine/internal/model"
	"github.com/papertrade/sim-engine/internal/store"
)

// ErrPersistence wraps any storage failure during Apply. When it is
// returned, cash, position and order history are all unchanged.
var ErrPersistence = errors.New("execution: ledger update failed")

// Request is one fill to execute.
type Request struct {
	Timestamp      time.Time
	Ticker         string
	Side           model.Side
	Quantity       decimal.Decimal
	ReferencePrice decimal.Decimal
	SlippageBps    decimal.Decimal
	CommissionUSD  decimal.Decimal
	Reason         string
}

// Validate rejects malformed requests before any state is read.
func (r Request) Validate() error {
	switch {
	case r.Timestamp.IsZero():
		return &model.ValidationError{Field: "ts", Message: "timestamp is required"}
	case r.Ticker == "":
		return &model.ValidationError{Field: "ticker", Message: "ticker is required"}
	case !r.Side.Valid():
		return &model.ValidationError{Field: "side", Message: fmt.Sprintf("side must be BUY or SELL, got %q", r.Side)}
	case !r.Quantity.IsPositive():
		return &model.ValidationError{Field: "quantity", Message: "quantity must be positive"}
	case !r.ReferencePrice.IsPositive():
		return &model.ValidationError{Field: "price", Message: "reference price must be positive"}
	case r.SlippageBps.IsNegative():
		return &model.ValidationError{Field: "slippage_bps", Message: "slippage must not be negative"}
	case r.CommissionUSD.IsNegative():
		return &model.ValidationError{Field: "commission_usd", Message: "commission must not be negative"}
	}
	return nil
}

// Engine executes fills against one ledger.
type Engine struct {
	store  store.Store
	newID  func() string
	logger *slog.Logger
}

// NewEngine creates an execution engine bound to l.
func NewEngine(l *ledger.Ledger) *Engine {
	return &Engine{
		store:  l.Store(),
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
}

// Apply executes req and returns the committed order. The order's Quantity
// is the executed quantity, which for a SELL may be less than requested.
func (e *Engine) Apply(ctx context.Context, req Request) (*model.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	fill := FillPrice(req.Side, req.ReferencePrice, req.SlippageBps)
	var (
		order   *model.Order
		settled Settlement
	)

	err := e.store.InTx(ctx, func(tx store.Ledger) error {
		cash, err := tx.GetCash(ctx)
		if err != nil {
			return err
		}
		pos, found, err := tx.GetPosition(ctx, req.Ticker)
		if err != nil {
			return err
		}
		if !found {
			pos = model.Position{Ticker: req.Ticker}
		}

		settled = Settle(cash, pos, req.Side, req.Quantity, fill, req.CommissionUSD)

		order = &model.Order{
			ID:            e.newID(),
			Timestamp:     req.Timestamp,
			Ticker:        req.Ticker,
			Side:          req.Side,
			Quantity:      settled.ExecutedQuantity,
			FillPrice:     fill,
			SlippageBps:   req.SlippageBps,
			CommissionUSD: req.CommissionUSD,
			Reason:        req.Reason,
		}

		if err := tx.UpsertPosition(ctx, settled.Position); err != nil {
			return err
		}
		if err := tx.SetCash(ctx, settled.Cash); err != nil {
			return err
		}
		return tx.InsertOrder(ctx, order)
	})
	if errors.Is(err, store.ErrNotInitialized) {
		return nil, fmt.Errorf("apply %s %s: %w", req.Side, req.Ticker, err)
	}
	if err != nil {
		metrics.PersistenceFailures.Inc()
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	metrics.OrdersTotal.WithLabelValues(string(req.Side)).Inc()
	metrics.ApplyLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	metrics.TickerVolume.WithLabelValues(req.Ticker, string(req.Side)).Add(settled.ExecutedQuantity.InexactFloat64())

	if settled.ExecutedQuantity.LessThan(req.Quantity) {
		e.logger.Warn("sell clamped to held quantity",
			"ticker", req.Ticker,
			"requested", req.Quantity.String(),
			"executed", settled.ExecutedQuantity.String(),
		)
	}
	e.logger.Info("order executed",
		"order_id", order.ID,
		"ticker", order.Ticker,
		"side", order.Side,
		"qty", order.Quantity.String(),
		"fill_price", order.FillPrice.String(),
		"notional", settled.Notional.String(),
		"cash", settled.Cash.String(),
		"reason", order.Reason,
	)
	return order, nil
}
