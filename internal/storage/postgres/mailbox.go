package postgres

import (
	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage"
)

// ========== Mailbox Repository ==========

// SaveMailbox 创建或更新邮箱
func (s *Store) SaveMailbox(mb *domain.Mailbox) error {
	ensureID(&mb.ID)
	return translate(s.db.Save(mb).Error)
}

// GetMailbox 根据 ID 获取邮箱
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	var mb domain.Mailbox
	if err := s.db.Where("id = ?", id).First(&mb).Error; err != nil {
		return nil, translate(err)
	}
	return &mb, nil
}

// GetMailboxByAddress 根据本地部分和域名获取邮箱
func (s *Store) GetMailboxByAddress(localPart, domainID string) (*domain.Mailbox, error) {
	var mb domain.Mailbox
	if err := s.db.Where("address = ? AND domain_id = ?", localPart, domainID).First(&mb).Error; err != nil {
		return nil, translate(err)
	}
	return &mb, nil
}

// GetMailboxByUserID 获取账户对应的邮箱
func (s *Store) GetMailboxByUserID(userID string) (*domain.Mailbox, error) {
	var mb domain.Mailbox
	if err := s.db.Where("user_id = ?", userID).First(&mb).Error; err != nil {
		return nil, translate(err)
	}
	return &mb, nil
}

// ListMailboxes 返回全部邮箱
func (s *Store) ListMailboxes() ([]*domain.Mailbox, error) {
	var mailboxes []*domain.Mailbox
	err := s.db.Order("domain_id, address").Find(&mailboxes).Error
	return mailboxes, translate(err)
}

// ListMailboxesByDomain 返回域名下的全部邮箱
func (s *Store) ListMailboxesByDomain(domainID string) ([]*domain.Mailbox, error) {
	var mailboxes []*domain.Mailbox
	err := s.db.Where("domain_id = ?", domainID).Order("address").Find(&mailboxes).Error
	return mailboxes, translate(err)
}

// CountMailboxesByDomain 统计域名下的邮箱数量
func (s *Store) CountMailboxesByDomain(domainID string) (int, error) {
	var count int64
	err := s.db.Model(&domain.Mailbox{}).Where("domain_id = ?", domainID).Count(&count).Error
	return int(count), translate(err)
}

// ResetDomainQuota 重置继承域名配额的邮箱
func (s *Store) ResetDomainQuota(domainID string, quota int64) (int, error) {
	result := s.db.Model(&domain.Mailbox{}).
		Where("domain_id = ? AND use_domain_quota = ?", domainID, true).
		Update("quota", quota)
	return int(result.RowsAffected), translate(result.Error)
}

// DeleteMailbox 删除邮箱记录
func (s *Store) DeleteMailbox(id string) error {
	return s.deleteByID(&domain.Mailbox{}, id)
}

// ========== Quota Repository ==========

// SaveQuota 保存用量记录
func (s *Store) SaveQuota(q *domain.Quota) error {
	return translate(s.db.Save(q).Error)
}

// GetQuota 获取用量记录
func (s *Store) GetQuota(username string) (*domain.Quota, error) {
	var q domain.Quota
	if err := s.db.Where("username = ?", username).First(&q).Error; err != nil {
		return nil, translate(err)
	}
	return &q, nil
}

// ListQuotasContaining 返回 username 包含 fragment 的用量记录
func (s *Store) ListQuotasContaining(fragment string) ([]*domain.Quota, error) {
	var quotas []*domain.Quota
	err := s.db.Where("username LIKE ?", likeContains(fragment)).Order("username").Find(&quotas).Error
	return quotas, translate(err)
}

// DeleteQuota 删除用量记录，记录不存在时忽略
func (s *Store) DeleteQuota(username string) error {
	err := translate(s.db.Where("username = ?", username).Delete(&domain.Quota{}).Error)
	if err == storage.ErrNotFound {
		return nil
	}
	return err
}
