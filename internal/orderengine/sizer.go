package orderengine

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/internal/apperr"
	"github.com/web3guy0/polybot/internal/exchange"
	"github.com/web3guy0/polybot/internal/models"
)

// SizeRequest carries everything Size needs to compute a final,
// snapped order quantity (§4.3.6).
type SizeRequest struct {
	QtyPer       decimal.Decimal // percent, or the -100/(-100,0) close-position encodings
	Side         models.Side
	Capital      decimal.Decimal // strategy_account's allocated capital weight
	Position     *models.Position
	Rules        exchange.SymbolRules
	PriceHint    decimal.Decimal // webhook-provided price, else the price cache
}

// Size implements the §4.3.6 quantity sizer.
//
//   - qty_per > 0: size = capital * qty_per%, snapped DOWN to step_size;
//     reject below min_qty or below min_notional.
//   - qty_per == -100: close the entire position opposite to side; reject
//     if no position exists in the required direction.
//   - qty_per in (-100, 0): close that fraction of the current position.
func Size(req SizeRequest) (decimal.Decimal, error) {
	switch {
	case req.QtyPer.GreaterThan(decimal.Zero):
		return sizeFromCapital(req)
	case req.QtyPer.Equal(decimal.NewFromInt(-100)):
		return sizeFullClose(req)
	case req.QtyPer.LessThan(decimal.Zero):
		return sizePartialClose(req)
	default:
		return decimal.Zero, apperr.New(apperr.InvalidInput, "qty_per must be nonzero")
	}
}

func sizeFromCapital(req SizeRequest) (decimal.Decimal, error) {
	raw := req.Capital.Mul(req.QtyPer).Div(decimal.NewFromInt(100))
	snapped := snapDown(raw, req.Rules.StepSize)
	if snapped.LessThan(req.Rules.MinQty) {
		return decimal.Zero, apperr.New(apperr.InvalidInput, "sized quantity below symbol min_qty")
	}
	if !req.PriceHint.IsZero() {
		notional := snapped.Mul(req.PriceHint)
		if notional.LessThan(req.Rules.MinNotional) {
			return decimal.Zero, apperr.New(apperr.InvalidInput, "sized notional below symbol min_notional")
		}
	}
	return snapped, nil
}

func sizeFullClose(req SizeRequest) (decimal.Decimal, error) {
	qty, err := closeableQuantity(req)
	if err != nil {
		return decimal.Zero, err
	}
	return snapDown(qty, req.Rules.StepSize), nil
}

func sizePartialClose(req SizeRequest) (decimal.Decimal, error) {
	qty, err := closeableQuantity(req)
	if err != nil {
		return decimal.Zero, err
	}
	fraction := req.QtyPer.Abs().Div(decimal.NewFromInt(100))
	return snapDown(qty.Mul(fraction), req.Rules.StepSize), nil
}

// closeableQuantity returns the absolute position size that `side` may
// close, rejecting if no position exists in the direction side implies
// (a BUY closes a short, a SELL closes a long).
func closeableQuantity(req SizeRequest) (decimal.Decimal, error) {
	if req.Position == nil || req.Position.Quantity.IsZero() {
		return decimal.Zero, apperr.New(apperr.InvalidInput, "no position to close")
	}
	isLong := req.Position.Quantity.IsPositive()
	if req.Side == models.SideSell && !isLong {
		return decimal.Zero, apperr.New(apperr.InvalidInput, "no long position to sell-close")
	}
	if req.Side == models.SideBuy && isLong {
		return decimal.Zero, apperr.New(apperr.InvalidInput, "no short position to buy-close")
	}
	return req.Position.Quantity.Abs(), nil
}

// snapDown rounds size to the nearest multiple of step not exceeding it
// (ROUND_DOWN), matching §4.8's "snapped down to tick/step before sizing
// checks to guarantee acceptance".
func snapDown(size, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return size
	}
	multiples := size.Div(step).Truncate(0)
	return multiples.Mul(step)
}
