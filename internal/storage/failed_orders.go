package storage

import "github.com/web3guy0/polybot/internal/models"

func (s *Store) CreateFailedOrder(f *models.FailedOrder) error {
	return s.DB.Create(f).Error
}

func (s *Store) GetFailedOrder(id uint) (*models.FailedOrder, error) {
	var f models.FailedOrder
	if err := s.DB.First(&f, id).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) SaveFailedOrder(f *models.FailedOrder) error {
	return s.DB.Save(f).Error
}

func (s *Store) ListFailedOrders(strategyAccountID uint) ([]models.FailedOrder, error) {
	var rows []models.FailedOrder
	q := s.DB.Order("created_at DESC")
	if strategyAccountID != 0 {
		q = q.Where("strategy_account_id = ?", strategyAccountID)
	}
	err := q.Find(&rows).Error
	return rows, err
}

func (s *Store) DeleteFailedOrder(id uint) error {
	return s.DB.Delete(&models.FailedOrder{}, id).Error
}
