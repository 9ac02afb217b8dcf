package orderengine

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polybot/internal/exchange"
	"github.com/web3guy0/polybot/internal/models"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestSizeFromCapitalSnapsDownAndChecksMinQty(t *testing.T) {
	rules := exchange.SymbolRules{StepSize: dec("0.001"), MinQty: dec("0.01"), MinNotional: dec("10")}
	req := SizeRequest{
		QtyPer:    dec("10"), // 10% of capital
		Capital:   dec("1.2345"),
		Rules:     rules,
		PriceHint: dec("100"),
	}
	got, err := Size(req)
	require.NoError(t, err)
	// 1.2345 * 0.10 = 0.12345, snapped down to step 0.001 -> 0.123
	assert.True(t, got.Equal(dec("0.123")), "got %s", got)
}

func TestSizeFromCapitalRejectsBelowMinQty(t *testing.T) {
	rules := exchange.SymbolRules{StepSize: dec("0.001"), MinQty: dec("1"), MinNotional: dec("0")}
	_, err := Size(SizeRequest{QtyPer: dec("1"), Capital: dec("10"), Rules: rules})
	assert.Error(t, err)
}

func TestSizeFullCloseRejectsWithNoPosition(t *testing.T) {
	_, err := Size(SizeRequest{QtyPer: dec("-100"), Side: models.SideSell, Rules: exchange.SymbolRules{StepSize: dec("0.001")}})
	assert.Error(t, err)
}

func TestSizeFullCloseRejectsWrongDirection(t *testing.T) {
	pos := &models.Position{Quantity: dec("5")} // long
	_, err := Size(SizeRequest{QtyPer: dec("-100"), Side: models.SideBuy, Position: pos, Rules: exchange.SymbolRules{StepSize: dec("0.001")}})
	assert.Error(t, err)
}

func TestSizeFullCloseClosesEntirePosition(t *testing.T) {
	pos := &models.Position{Quantity: dec("5.4321")}
	rules := exchange.SymbolRules{StepSize: dec("0.01")}
	got, err := Size(SizeRequest{QtyPer: dec("-100"), Side: models.SideSell, Position: pos, Rules: rules})
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("5.43")), "got %s", got)
}

func TestSizePartialCloseTakesFraction(t *testing.T) {
	pos := &models.Position{Quantity: dec("-10")} // short
	rules := exchange.SymbolRules{StepSize: dec("0.01")}
	got, err := Size(SizeRequest{QtyPer: dec("-50"), Side: models.SideBuy, Position: pos, Rules: rules})
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("5")), "got %s", got)
}

func TestSnapDownTruncatesNotRounds(t *testing.T) {
	got := snapDown(dec("0.0199"), dec("0.01"))
	assert.True(t, got.Equal(dec("0.01")), "got %s", got)
}
