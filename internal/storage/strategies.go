package storage

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/web3guy0/polybot/internal/models"
)

// GetStrategyByGroupName looks up the webhook routing key (§4.2 step 2).
func (s *Store) GetStrategyByGroupName(groupName string) (*models.Strategy, error) {
	var strat models.Strategy
	if err := s.DB.Where("group_name = ?", groupName).First(&strat).Error; err != nil {
		return nil, err
	}
	return &strat, nil
}

func (s *Store) GetStrategy(id uint) (*models.Strategy, error) {
	var strat models.Strategy
	if err := s.DB.First(&strat, id).Error; err != nil {
		return nil, err
	}
	return &strat, nil
}

func (s *Store) SaveStrategy(strat *models.Strategy) error {
	return s.DB.Save(strat).Error
}

// DeleteStrategy forbids deletion while any StrategyAccount has active
// positions or open orders (§3 Strategy lifecycle).
func (s *Store) DeleteStrategy(id uint) error {
	var sas []models.StrategyAccount
	if err := s.DB.Where("strategy_id = ?", id).Find(&sas).Error; err != nil {
		return err
	}
	for _, sa := range sas {
		var openCount int64
		s.DB.Model(&models.Order{}).
			Where("strategy_account_id = ? AND status IN ?", sa.ID, activeStatusStrings()).
			Count(&openCount)
		if openCount > 0 {
			return fmt.Errorf("strategy %d: strategy_account %d has %d open orders", id, sa.ID, openCount)
		}
		var posCount int64
		s.DB.Model(&models.Position{}).
			Where("strategy_account_id = ? AND quantity <> 0", sa.ID).
			Count(&posCount)
		if posCount > 0 {
			return fmt.Errorf("strategy %d: strategy_account %d has %d active positions", id, sa.ID, posCount)
		}
	}
	return s.DB.Delete(&models.Strategy{}, id).Error
}

func activeStatusStrings() []string {
	out := make([]string, len(models.ActiveStatuses))
	for i, s := range models.ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

// ActiveSubscribers returns every active StrategyAccount row for a
// strategy. It does not join the owning Account; callers that need it
// (token auth, §4.2 step 3) load it per row.
func (s *Store) ActiveSubscribers(strategyID uint) ([]models.StrategyAccount, error) {
	var sas []models.StrategyAccount
	err := s.DB.Where("strategy_id = ? AND is_active = ?", strategyID, true).Find(&sas).Error
	return sas, err
}

// SubscriberUserIDs returns the distinct set of user ids that may
// observe a strategy's SSE stream: the owner plus every active
// subscriber's account owner (§4.6 "owner + active subscribers").
func (s *Store) SubscriberUserIDs(strategyID uint) ([]uint, error) {
	strat, err := s.GetStrategy(strategyID)
	if err != nil {
		return nil, err
	}
	seen := map[uint]struct{}{strat.OwnerUserID: {}}

	subs, err := s.ActiveSubscribers(strategyID)
	if err != nil {
		return nil, err
	}
	for _, sa := range subs {
		acc, err := s.GetAccount(sa.AccountID)
		if err != nil {
			continue
		}
		seen[acc.OwnerUserID] = struct{}{}
	}

	out := make([]uint, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}

// ValidTokensForStrategy builds the §4.2 step-3 `valid_tokens` set: every
// webhook token belonging to an Account owned by the strategy's owner,
// plus — when the strategy is public — every active subscriber's Account
// token too. Tokens are attached to Account rather than to a user
// directly, so the owner side resolves through every Account the owner
// holds (a user may hold several).
func (s *Store) ValidTokensForStrategy(strat *models.Strategy) (map[string]struct{}, error) {
	tokens := make(map[string]struct{})

	var ownerAccounts []models.Account
	if err := s.DB.Where("owner_user_id = ?", strat.OwnerUserID).Find(&ownerAccounts).Error; err != nil {
		return nil, err
	}
	for _, acc := range ownerAccounts {
		if acc.WebhookToken != "" {
			tokens[acc.WebhookToken] = struct{}{}
		}
	}

	if !strat.IsPublic {
		return tokens, nil
	}

	subs, err := s.ActiveSubscribers(strat.ID)
	if err != nil {
		return nil, err
	}
	for _, sa := range subs {
		acc, err := s.GetAccount(sa.AccountID)
		if err != nil {
			continue
		}
		if acc.WebhookToken != "" {
			tokens[acc.WebhookToken] = struct{}{}
		}
	}
	return tokens, nil
}

// UserCanAccessStrategy backs eventbus.AccessChecker: true for the owner,
// or for any active subscriber's account owner, whether or not the
// strategy is public — the same audience SubscriberUserIDs computes for
// SSE fan-out.
func (s *Store) UserCanAccessStrategy(userID, strategyID uint) (bool, error) {
	ids, err := s.SubscriberUserIDs(strategyID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// StrategyIsActive backs eventbus.AccessChecker's IsActive.
func (s *Store) StrategyIsActive(strategyID uint) (bool, error) {
	strat, err := s.GetStrategy(strategyID)
	if err != nil {
		return false, err
	}
	return strat.IsActive, nil
}

func (s *Store) GetAccount(id uint) (*models.Account, error) {
	var acc models.Account
	if err := s.DB.First(&acc, id).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *Store) SaveAccount(acc *models.Account) error {
	return s.DB.Save(acc).Error
}

func (s *Store) GetStrategyAccount(id uint) (*models.StrategyAccount, error) {
	var sa models.StrategyAccount
	if err := s.DB.First(&sa, id).Error; err != nil {
		return nil, err
	}
	return &sa, nil
}

func (s *Store) GetStrategyAccountByPair(strategyID, accountID uint) (*models.StrategyAccount, error) {
	var sa models.StrategyAccount
	err := s.DB.Where("strategy_id = ? AND account_id = ?", strategyID, accountID).First(&sa).Error
	if err != nil {
		return nil, err
	}
	return &sa, nil
}

func (s *Store) SaveStrategyAccount(sa *models.StrategyAccount) error {
	return s.DB.Save(sa).Error
}

// DeleteStrategyAccount cascades to Order/PendingOrder/Trade/Position
// rows scoped to it (§3 "Lifetime ownership").
func (s *Store) DeleteStrategyAccount(id uint) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("strategy_account_id = ?", id).Delete(&models.Order{}).Error; err != nil {
			return err
		}
		if err := tx.Where("strategy_account_id = ?", id).Delete(&models.PendingOrder{}).Error; err != nil {
			return err
		}
		if err := tx.Where("strategy_account_id = ?", id).Delete(&models.Trade{}).Error; err != nil {
			return err
		}
		if err := tx.Where("strategy_account_id = ?", id).Delete(&models.Position{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.StrategyAccount{}, id).Error
	})
}
