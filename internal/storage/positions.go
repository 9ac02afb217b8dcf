package storage

import (
	"errors"

	"gorm.io/gorm"

	"github.com/web3guy0/polybot/internal/models"
)

// GetOrCreatePosition returns the Position row for (strategyAccountID,
// symbol), creating a zeroed one if it does not exist.
func (s *Store) GetOrCreatePosition(tx *gorm.DB, strategyAccountID uint, symbol string) (*models.Position, error) {
	db := dbOrTx(s, tx)
	var pos models.Position
	err := db.Where("strategy_account_id = ? AND symbol = ?", strategyAccountID, symbol).First(&pos).Error
	if err == nil {
		return &pos, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	pos = models.Position{StrategyAccountID: strategyAccountID, Symbol: symbol}
	if err := db.Create(&pos).Error; err != nil {
		return nil, err
	}
	return &pos, nil
}

func (s *Store) SavePosition(tx *gorm.DB, pos *models.Position) error {
	return dbOrTx(s, tx).Save(pos).Error
}

func (s *Store) ListPositionsByStrategyAccount(strategyAccountID uint) ([]models.Position, error) {
	var rows []models.Position
	err := s.DB.Where("strategy_account_id = ? AND quantity <> 0", strategyAccountID).Find(&rows).Error
	return rows, err
}

// OpenPositions returns every Position row with a nonzero quantity across
// all strategy accounts — the PnL mark loop's per-tick work list.
func (s *Store) OpenPositions() ([]models.Position, error) {
	var rows []models.Position
	err := s.DB.Where("quantity <> 0").Find(&rows).Error
	return rows, err
}
