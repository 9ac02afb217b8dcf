package fillreconciler

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/polybot/internal/models"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestApplySignedFillOpensFlatPosition(t *testing.T) {
	pos := &models.Position{}
	applySignedFill(pos, models.SideBuy, d("2"), d("100"))
	assert.True(t, pos.Quantity.Equal(d("2")))
	assert.True(t, pos.EntryPrice.Equal(d("100")))
}

func TestApplySignedFillAveragesEntryPriceWhenAdding(t *testing.T) {
	pos := &models.Position{Quantity: d("2"), EntryPrice: d("100")}
	applySignedFill(pos, models.SideBuy, d("2"), d("200"))
	assert.True(t, pos.Quantity.Equal(d("4")))
	assert.True(t, pos.EntryPrice.Equal(d("150")), "got %s", pos.EntryPrice)
}

func TestApplySignedFillReducingKeepsEntryPrice(t *testing.T) {
	pos := &models.Position{Quantity: d("4"), EntryPrice: d("150")}
	applySignedFill(pos, models.SideSell, d("1"), d("999"))
	assert.True(t, pos.Quantity.Equal(d("3")))
	assert.True(t, pos.EntryPrice.Equal(d("150")), "got %s", pos.EntryPrice)
}

func TestApplySignedFillZeroCrossResetsEntryPriceAtNewSide(t *testing.T) {
	pos := &models.Position{Quantity: d("2"), EntryPrice: d("100")} // long 2
	applySignedFill(pos, models.SideSell, d("5"), d("120"))         // sell 5 -> short 3 at 120
	assert.True(t, pos.Quantity.Equal(d("-3")), "got %s", pos.Quantity)
	assert.True(t, pos.EntryPrice.Equal(d("120")), "got %s", pos.EntryPrice)
}

func TestApplySignedFillExactCloseZeroesQuantity(t *testing.T) {
	pos := &models.Position{Quantity: d("2"), EntryPrice: d("100")}
	applySignedFill(pos, models.SideSell, d("2"), d("110"))
	assert.True(t, pos.Quantity.IsZero())
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, isTerminal(models.StatusFilled))
	assert.True(t, isTerminal(models.StatusCancelled))
	assert.True(t, isTerminal(models.StatusRejected))
	assert.True(t, isTerminal(models.StatusExpired))
	assert.False(t, isTerminal(models.StatusOpen))
	assert.False(t, isTerminal(models.StatusPartiallyFilled))
}
