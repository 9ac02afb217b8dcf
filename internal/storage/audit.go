package storage

import "github.com/web3guy0/polybot/internal/models"

func (s *Store) RecordWebhookAudit(log *models.WebhookAuditLog) error {
	return s.DB.Create(log).Error
}
