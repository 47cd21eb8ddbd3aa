package postgres

import (
	"errors"

	"gorm.io/gorm"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage"
)

// ========== Alias Repository ==========

// SaveAlias 创建或更新别名
func (s *Store) SaveAlias(alias *domain.Alias) error {
	ensureID(&alias.ID)
	return translate(s.db.Save(alias).Error)
}

// GetAlias 根据 ID 获取别名
func (s *Store) GetAlias(id string) (*domain.Alias, error) {
	var alias domain.Alias
	if err := s.db.Where("id = ?", id).First(&alias).Error; err != nil {
		return nil, translate(err)
	}
	return &alias, nil
}

// GetAliasByAddress 根据地址获取别名
func (s *Store) GetAliasByAddress(address string) (*domain.Alias, error) {
	var alias domain.Alias
	if err := s.db.Where("address = ?", address).First(&alias).Error; err != nil {
		return nil, translate(err)
	}
	return &alias, nil
}

// GetOrCreateAlias 查找或创建别名，第二个返回值表示是否新建。
// 并发创建导致唯一键冲突时重新读取。
func (s *Store) GetOrCreateAlias(alias *domain.Alias) (*domain.Alias, bool, error) {
	existing, err := s.matchAlias(alias)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	ensureID(&alias.ID)
	err = s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(alias).Error
	})
	if err == nil {
		created := *alias
		return &created, true, nil
	}
	if !errors.Is(translate(err), storage.ErrAlreadyExists) {
		return nil, false, err
	}

	existing, err = s.matchAlias(alias)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// matchAlias 按地址查找别名，并要求所属域名与内部标记一致
func (s *Store) matchAlias(alias *domain.Alias) (*domain.Alias, error) {
	existing, err := s.GetAliasByAddress(alias.Address)
	if err != nil {
		return nil, err
	}
	if existing.Internal != alias.Internal || !sameDomain(existing.DomainID, alias.DomainID) {
		return nil, storage.ErrAlreadyExists
	}
	return existing, nil
}

func sameDomain(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ListAliases 返回全部别名
func (s *Store) ListAliases() ([]*domain.Alias, error) {
	var aliases []*domain.Alias
	err := s.db.Order("address").Find(&aliases).Error
	return aliases, translate(err)
}

// ListAliasesByDomain 返回域名下的全部别名
func (s *Store) ListAliasesByDomain(domainID string) ([]*domain.Alias, error) {
	var aliases []*domain.Alias
	err := s.db.Where("domain_id = ?", domainID).Order("address").Find(&aliases).Error
	return aliases, translate(err)
}

// DeleteAlias 删除别名及其接收者
func (s *Store) DeleteAlias(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("alias_id = ?", id).Delete(&domain.AliasRecipient{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&domain.Alias{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// DeleteAliasesByAddress 删除指定地址的别名
func (s *Store) DeleteAliasesByAddress(address string) (int, error) {
	var ids []string
	if err := s.db.Model(&domain.Alias{}).Where("address = ?", address).Pluck("id", &ids).Error; err != nil {
		return 0, translate(err)
	}
	for _, id := range ids {
		if err := s.DeleteAlias(id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// SaveAliasRecipient 创建或更新别名接收者
func (s *Store) SaveAliasRecipient(r *domain.AliasRecipient) error {
	var count int64
	if err := s.db.Model(&domain.Alias{}).Where("id = ?", r.AliasID).Count(&count).Error; err != nil {
		return translate(err)
	}
	if count == 0 {
		return storage.ErrNotFound
	}
	ensureID(&r.ID)
	return translate(s.db.Save(r).Error)
}

// ListAliasRecipients 返回别名的全部接收者
func (s *Store) ListAliasRecipients(aliasID string) ([]*domain.AliasRecipient, error) {
	return s.findRecipients("alias_id = ?", aliasID)
}

// ListRecipientsByMailbox 返回指向邮箱的全部接收者
func (s *Store) ListRecipientsByMailbox(mailboxID string) ([]*domain.AliasRecipient, error) {
	return s.findRecipients("r_mailbox_id = ?", mailboxID)
}

// ListRecipientsByAddress 返回地址等于 address 的全部接收者
func (s *Store) ListRecipientsByAddress(address string) ([]*domain.AliasRecipient, error) {
	return s.findRecipients("address = ?", address)
}

func (s *Store) findRecipients(query string, arg string) ([]*domain.AliasRecipient, error) {
	var recipients []*domain.AliasRecipient
	err := s.db.Where(query, arg).Order("address, id").Find(&recipients).Error
	return recipients, translate(err)
}

// CountAliasRecipients 统计别名的接收者数量
func (s *Store) CountAliasRecipients(aliasID string) (int, error) {
	var count int64
	err := s.db.Model(&domain.AliasRecipient{}).Where("alias_id = ?", aliasID).Count(&count).Error
	return int(count), translate(err)
}

// DeleteAliasRecipient 删除别名接收者
func (s *Store) DeleteAliasRecipient(id string) error {
	return s.deleteByID(&domain.AliasRecipient{}, id)
}
