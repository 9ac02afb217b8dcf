package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polybot/internal/models"
)

func TestBinanceAdapterNormalizeOrderUpdate(t *testing.T) {
	a := &BinanceAdapter{}
	raw := []byte(`{"e":"executionReport","s":"BTCUSDT","i":42,"X":"NEW","x":"NEW","l":"0","z":"0","L":"0","n":"0","t":0,"m":false}`)

	event, ok := a.Normalize(raw)
	require.True(t, ok)
	require.NotNil(t, event.Order)
	assert.Equal(t, "42", event.Order.ExchangeOrderID)
	assert.Equal(t, "BTC/USDT", event.Order.Symbol)
	assert.Equal(t, models.StatusOpen, event.Order.Status)
	assert.Nil(t, event.Fill)
}

func TestBinanceAdapterNormalizeFill(t *testing.T) {
	a := &BinanceAdapter{}
	raw := []byte(`{"e":"executionReport","s":"BTCUSDT","i":42,"X":"FILLED","x":"TRADE","l":"1","z":"1","L":"90000","n":"0.001","t":7,"m":true}`)

	event, ok := a.Normalize(raw)
	require.True(t, ok)
	require.NotNil(t, event.Fill)
	assert.Equal(t, "7", event.Fill.ExchangeTradeID)
	assert.True(t, event.Fill.IsMaker)
}

func TestBinanceAdapterNormalizeIgnoresUnknownEventType(t *testing.T) {
	a := &BinanceAdapter{}
	_, ok := a.Normalize([]byte(`{"e":"outboundAccountPosition"}`))
	assert.False(t, ok)
}
