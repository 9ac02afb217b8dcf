package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithEmptyTokenIsNoop(t *testing.T) {
	n, err := New("", 0)
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestNilNotifierMethodsDoNotPanic(t *testing.T) {
	var n *Notifier
	assert.NotPanics(t, func() {
		n.CleanupFailure(1, "cancel_order", "exchange timeout")
	})
}
