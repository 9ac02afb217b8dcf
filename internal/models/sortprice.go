package models

import "github.com/shopspring/decimal"

// DeriveSortPrice implements the §3 PendingOrder.sort_price rule, enforced
// on insert:
//
//	BUY  LIMIT      -> +price
//	SELL LIMIT      -> -price
//	BUY  STOP       -> -stop_price
//	SELL STOP       -> +stop_price
//
// Sorting by (priority asc, sort_price desc, created_at asc) then yields
// highest-value-first within each side: BUYs with higher bids win, SELLs
// with lower asks win. SELL uses -price so a single ORDER BY sort_price
// DESC ranks lowest-ask-first, matching how BUY rankings naturally work
// with +price — do not "simplify" this by trying to special-case SELL.
func DeriveSortPrice(side Side, orderType OrderType, price, stopPrice *decimal.Decimal) decimal.Decimal {
	isStop := orderType == OrderStopLimit || orderType == OrderStopMarket

	var ref decimal.Decimal
	switch {
	case isStop && stopPrice != nil:
		ref = *stopPrice
	case price != nil:
		ref = *price
	default:
		ref = decimal.Zero
	}

	switch {
	case side == SideBuy && !isStop:
		return ref
	case side == SideSell && !isStop:
		return ref.Neg()
	case side == SideBuy && isStop:
		return ref.Neg()
	case side == SideSell && isStop:
		return ref
	default:
		return ref
	}
}
