package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestDeriveSortPrice(t *testing.T) {
	cases := []struct {
		name      string
		side      Side
		orderType OrderType
		price     *decimal.Decimal
		stop      *decimal.Decimal
		want      string
	}{
		{"buy limit", SideBuy, OrderLimit, dec("100"), nil, "100"},
		{"sell limit", SideSell, OrderLimit, dec("100"), nil, "-100"},
		{"buy stop", SideBuy, OrderStopMarket, nil, dec("90"), "-90"},
		{"sell stop", SideSell, OrderStopLimit, dec("95"), dec("90"), "90"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveSortPrice(tc.side, tc.orderType, tc.price, tc.stop)
			want := decimal.RequireFromString(tc.want)
			assert.True(t, want.Equal(got), "got %s want %s", got, want)
		})
	}
}

func TestSortPriceOrderingHighestValueFirst(t *testing.T) {
	// BUY LIMITs at 100 and 99 sorted by sort_price desc must rank the
	// highest bid first.
	p100 := DeriveSortPrice(SideBuy, OrderLimit, dec("100"), nil)
	p99 := DeriveSortPrice(SideBuy, OrderLimit, dec("99"), nil)
	assert.True(t, p100.GreaterThan(p99))

	// SELL LIMITs at 100, 101 sorted by sort_price desc must rank the
	// lowest ask first (i.e. -100 > -101).
	s100 := DeriveSortPrice(SideSell, OrderLimit, dec("100"), nil)
	s101 := DeriveSortPrice(SideSell, OrderLimit, dec("101"), nil)
	assert.True(t, s100.GreaterThan(s101))
}
