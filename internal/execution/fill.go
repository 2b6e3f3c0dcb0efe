package execution

import (
	"github.com/shopspring/decimal"

	"github.com/papertrade/sim-engine/internal/model"
)

var bpsDivisor = decimal.NewFromInt(10_000)

// FillPrice applies slippage against the trader: BUY fills above the
// reference price, SELL fills below it.
//
//	BUY:  price × (1 + bps/10000)
//	SELL: price × (1 − bps/10000)
func FillPrice(side model.Side, price, slippageBps decimal.Decimal) decimal.Decimal {
	adj := slippageBps.Div(bpsDivisor)
	if side == model.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(adj))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(adj))
}

// Settlement is the ledger state after one fill.
type Settlement struct {
	Cash             decimal.Decimal
	Position         model.Position
	ExecutedQuantity decimal.Decimal
	Notional         decimal.Decimal
}

// Settle applies a fill of quantity shares at fill to cash and pos. It is
// the single source of the BUY/SELL arithmetic, shared by live execution
// and by history replay.
//
// BUY recomputes the weighted-average cost and debits notional plus
// commission. SELL clamps to the held quantity (the ledger never goes
// short), credits notional minus commission and resets the average cost
// once the position is flat.
func Settle(cash decimal.Decimal, pos model.Position, side model.Side, quantity, fill, commission decimal.Decimal) Settlement {
	next := pos
	if side == model.SideBuy {
		notional := quantity.Mul(fill)
		newQty := pos.Quantity.Add(quantity)
		if newQty.IsPositive() {
			next.AvgCost = pos.AvgCost.Mul(pos.Quantity).Add(notional).Div(newQty)
		} else {
			next.AvgCost = decimal.Zero
		}
		next.Quantity = newQty
		return Settlement{
			Cash:             cash.Sub(notional).Sub(commission),
			Position:         next,
			ExecutedQuantity: quantity,
			Notional:         notional,
		}
	}

	executed := decimal.Min(quantity, pos.Quantity)
	if executed.IsNegative() {
		executed = decimal.Zero
	}
	notional := executed.Mul(fill)
	next.Quantity = pos.Quantity.Sub(executed)
	if next.Quantity.IsZero() {
		next.AvgCost = decimal.Zero
	}
	return Settlement{
		Cash:             cash.Add(notional).Sub(commission),
		Position:         next,
		ExecutedQuantity: executed,
		Notional:         notional,
	}
}
