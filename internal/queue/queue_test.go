package queue

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/polybot/internal/models"
)

func row(priority int, sortPrice string, createdAt time.Time, orderType models.OrderType) *rankedRow {
	p, _ := decimal.NewFromString(sortPrice)
	return &rankedRow{priority: priority, sortPrice: p, createdAt: createdAt, orderType: orderType, side: models.SideBuy}
}

func TestSortSideOrdersByPriorityThenSortPriceThenAge(t *testing.T) {
	now := time.Now()
	rows := []*rankedRow{
		row(1, "100", now, models.OrderLimit),
		row(0, "50", now, models.OrderLimit),
		row(0, "80", now.Add(-time.Minute), models.OrderLimit),
		row(0, "80", now, models.OrderLimit),
	}
	sortSide(rows)
	assert.Equal(t, "80", rows[0].sortPrice.String())  // priority 0, older created_at wins the tie
	assert.Equal(t, "80", rows[1].sortPrice.String())
	assert.Equal(t, "50", rows[2].sortPrice.String())
	assert.Equal(t, "100", rows[3].sortPrice.String()) // priority 1 sorts after all priority-0 rows
	assert.True(t, rows[0].createdAt.Before(rows[1].createdAt))
}

func TestStopCapFloorsAtOneAndRespectsExchangeCeiling(t *testing.T) {
	assert.Equal(t, 2, stopCap(ExchangeLimits{MaxPerSide: 8}))                            // ceil(8*0.25)=2
	assert.Equal(t, 1, stopCap(ExchangeLimits{MaxPerSide: 2}))                            // ceil(2*0.25)=1
	assert.Equal(t, 1, stopCap(ExchangeLimits{MaxPerSide: 20, MaxConditionalPerSide: 1}))  // exchange ceiling binds
	assert.Equal(t, 1, stopCap(ExchangeLimits{MaxPerSide: 0}))                             // floors at 1 even with zero slots
}

func TestSelectSideRespectsStopSubCap(t *testing.T) {
	now := time.Now()
	rows := []*rankedRow{
		row(0, "100", now, models.OrderStopLimit),
		row(0, "90", now, models.OrderStopLimit),
		row(0, "80", now, models.OrderLimit),
		row(0, "70", now, models.OrderLimit),
	}
	chosen := selectSide(rows, 3, 1)
	assert.Len(t, chosen, 3)
	stopCount := 0
	for _, r := range chosen {
		if isStopType(r.orderType) {
			stopCount++
		}
	}
	assert.Equal(t, 1, stopCount)
}

func TestSelectSideCapsAtMaxPerSide(t *testing.T) {
	now := time.Now()
	var rows []*rankedRow
	for i := 0; i < 10; i++ {
		rows = append(rows, row(0, "10", now, models.OrderLimit))
	}
	chosen := selectSide(rows, 4, 1)
	assert.Len(t, chosen, 4)
}
