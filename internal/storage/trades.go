package storage

import (
	"strings"

	"gorm.io/gorm"

	"github.com/web3guy0/polybot/internal/models"
)

func (s *Store) CreateTrade(tx *gorm.DB, t *models.Trade) error {
	return dbOrTx(s, tx).Create(t).Error
}

func (s *Store) CreateTradeExecution(tx *gorm.DB, e *models.TradeExecution) error {
	// TradeExecution.exchange_trade_id is uniquely indexed; a duplicate
	// insert on WS-stream replay is silently absorbed (§8 property 2 /
	// §4.5 "Fill idempotency") rather than surfaced as an error.
	err := dbOrTx(s, tx).Create(e).Error
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

func (s *Store) ListTradesByStrategyAccount(strategyAccountID uint) ([]models.Trade, error) {
	var rows []models.Trade
	err := s.DB.Where("strategy_account_id = ?", strategyAccountID).Order("created_at DESC").Find(&rows).Error
	return rows, err
}

func dbOrTx(s *Store, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.DB
}

// isUniqueViolation is a best-effort check across the postgres/sqlite
// drivers this gateway supports; both surface the substring "unique" in
// their constraint-violation error text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
