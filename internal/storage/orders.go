package storage

import (
	"time"

	"gorm.io/gorm"

	"github.com/web3guy0/polybot/internal/models"
)

func (s *Store) CreateOrder(o *models.Order) error {
	return s.DB.Create(o).Error
}

func (s *Store) GetOrder(id uint) (*models.Order, error) {
	var o models.Order
	if err := s.DB.First(&o, id).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) GetOrderByExchangeID(exchangeOrderID string) (*models.Order, error) {
	var o models.Order
	if err := s.DB.Where("exchange_order_id = ?", exchangeOrderID).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) SaveOrder(o *models.Order) error {
	return s.DB.Save(o).Error
}

func (s *Store) DeleteOrder(id uint) error {
	return s.DB.Delete(&models.Order{}, id).Error
}

// ActiveOrdersFor returns every Order in the §4.3.1 "active" classification
// group for a (strategy_account, symbol) pair — used by the orchestrator's
// cancel path.
func (s *Store) ActiveOrdersFor(strategyAccountID uint, symbol string) ([]models.Order, error) {
	var orders []models.Order
	err := s.DB.Where("strategy_account_id = ? AND symbol = ? AND status IN ?",
		strategyAccountID, symbol, activeStatusStrings()).Find(&orders).Error
	return orders, err
}

// ActiveOrdersByStrategyAccounts returns active orders across many
// strategy_account ids in one query, grouped by caller via symbol.
func (s *Store) ActiveOrdersByStrategyAccounts(ids []uint) ([]models.Order, error) {
	var orders []models.Order
	if len(ids) == 0 {
		return orders, nil
	}
	err := s.DB.Where("strategy_account_id IN ? AND status IN ?", ids, activeStatusStrings()).Find(&orders).Error
	return orders, err
}

// ActiveOrdersByAccount returns every active order for an account across
// all symbols, joined through StrategyAccount — the FillReconciler's
// REST-fallback diff scope (§4.5 "diff exchange open-orders with DB").
func (s *Store) ActiveOrdersByAccount(accountID uint) ([]models.Order, error) {
	var orders []models.Order
	err := s.DB.Table("orders").
		Select("orders.*").
		Joins("JOIN strategy_accounts ON strategy_accounts.id = orders.strategy_account_id").
		Where("strategy_accounts.account_id = ? AND orders.status IN ?", accountID, activeStatusStrings()).
		Find(&orders).Error
	return orders, err
}

// ActiveAccountIDs returns every distinct account with at least one active
// order, the FillReconciler's per-tick REST-poll work list.
func (s *Store) ActiveAccountIDs() ([]uint, error) {
	var ids []uint
	err := s.DB.Table("orders").
		Joins("JOIN strategy_accounts ON strategy_accounts.id = orders.strategy_account_id").
		Where("orders.status IN ?", activeStatusStrings()).
		Distinct("strategy_accounts.account_id").
		Pluck("strategy_accounts.account_id", &ids).Error
	return ids, err
}

// StuckPending scans for the orphan sweeper (§4.3.4): PENDING rows older
// than the given cutoff.
func (s *Store) StuckPending(olderThan time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := s.DB.Where("status = ? AND created_at < ?", models.StatusPending, olderThan).Find(&orders).Error
	return orders, err
}

// StuckCancelling scans for the cancel-sweep background job (§4.3.3):
// CANCELLING rows whose cancel_attempted_at predates the cutoff. Uses the
// Order(status, cancel_attempted_at) WHERE status='CANCELLING' index named
// in spec §6.
func (s *Store) StuckCancelling(olderThan time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := s.DB.Where("status = ? AND cancel_attempted_at < ?", models.StatusCancelling, olderThan).Find(&orders).Error
	return orders, err
}

// LockOrderForUpdate loads an order row with SELECT ... FOR UPDATE SKIP
// LOCKED (§5 locking discipline: serialize reconciliation without
// starving other workers) inside an existing transaction.
func LockOrderForUpdate(tx *gorm.DB, id uint) (*models.Order, error) {
	var o models.Order
	err := tx.Clauses(skipLockedClause()).First(&o, id).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// WithTx runs fn inside a DB transaction.
func (s *Store) WithTx(fn func(tx *gorm.DB) error) error {
	return s.DB.Transaction(fn)
}
