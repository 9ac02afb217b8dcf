package storage

import "github.com/web3guy0/polybot/internal/models"

func (s *Store) CreatePendingOrder(p *models.PendingOrder) error {
	return s.DB.Create(p).Error
}

func (s *Store) DeletePendingOrder(id uint) error {
	return s.DB.Delete(&models.PendingOrder{}, id).Error
}

func (s *Store) SavePendingOrder(p *models.PendingOrder) error {
	return s.DB.Save(p).Error
}

// PendingOrdersFor returns every queued row for a (account, symbol) pair,
// pre-sorted by the §3 derived rank: priority asc, sort_price desc,
// created_at asc.
func (s *Store) PendingOrdersFor(accountID uint, symbol string) ([]models.PendingOrder, error) {
	var rows []models.PendingOrder
	err := s.DB.Where("account_id = ? AND symbol = ?", accountID, symbol).
		Order("priority ASC, sort_price DESC, created_at ASC").
		Find(&rows).Error
	return rows, err
}

// TouchedAccountSymbols returns every distinct (account_id, symbol) pair
// with rows in either Order(active) or PendingOrder — the QueueScheduler's
// per-tick work list (§4.4).
type AccountSymbol struct {
	AccountID uint
	Symbol    string
}

func (s *Store) TouchedAccountSymbols() ([]AccountSymbol, error) {
	seen := map[AccountSymbol]struct{}{}
	var out []AccountSymbol

	var pending []AccountSymbol
	if err := s.DB.Model(&models.PendingOrder{}).
		Distinct("account_id", "symbol").Find(&pending).Error; err != nil {
		return nil, err
	}
	for _, p := range pending {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}

	// Active orders are scoped by strategy_account_id, not account_id
	// directly; join through StrategyAccount to recover account_id.
	type row struct {
		AccountID uint
		Symbol    string
	}
	var activeRows []row
	err := s.DB.Table("orders").
		Select("strategy_accounts.account_id AS account_id, orders.symbol AS symbol").
		Joins("JOIN strategy_accounts ON strategy_accounts.id = orders.strategy_account_id").
		Where("orders.status IN ?", activeStatusStrings()).
		Group("strategy_accounts.account_id, orders.symbol").
		Scan(&activeRows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range activeRows {
		as := AccountSymbol{AccountID: r.AccountID, Symbol: r.Symbol}
		if _, ok := seen[as]; !ok {
			seen[as] = struct{}{}
			out = append(out, as)
		}
	}

	return out, nil
}

// ActiveOrdersByAccountSymbol returns active orders for an (account,
// symbol) pair, joined through StrategyAccount.
func (s *Store) ActiveOrdersByAccountSymbol(accountID uint, symbol string) ([]models.Order, error) {
	var orders []models.Order
	err := s.DB.Table("orders").
		Select("orders.*").
		Joins("JOIN strategy_accounts ON strategy_accounts.id = orders.strategy_account_id").
		Where("strategy_accounts.account_id = ? AND orders.symbol = ? AND orders.status IN ?",
			accountID, symbol, activeStatusStrings()).
		Find(&orders).Error
	return orders, err
}
