package memory

import (
	"sort"
	"time"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage"
)

func sameDomain(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// SaveAlias 创建或更新别名
func (s *Store) SaveAlias(alias *domain.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveAliasLocked(alias)
}

func (s *Store) saveAliasLocked(alias *domain.Alias) error {
	ensureID(&alias.ID)
	if existingID, ok := s.st.aliasesByAddr[alias.Address]; ok && existingID != alias.ID {
		return storage.ErrAlreadyExists
	}
	if alias.CreatedAt.IsZero() {
		alias.CreatedAt = time.Now()
	}
	if prev, ok := s.st.aliases[alias.ID]; ok && prev.Address != alias.Address {
		delete(s.st.aliasesByAddr, prev.Address)
	}

	cp := *alias
	s.st.aliases[alias.ID] = &cp
	s.st.aliasesByAddr[alias.Address] = alias.ID
	return nil
}

// GetAlias 根据 ID 获取别名
func (s *Store) GetAlias(id string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alias, ok := s.st.aliases[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *alias
	return &cp, nil
}

// GetAliasByAddress 根据地址获取别名
func (s *Store) GetAliasByAddress(address string) (*domain.Alias, error) {
	s.mu.RLock()
	id, ok := s.st.aliasesByAddr[address]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.GetAlias(id)
}

// GetOrCreateAlias 查找或创建别名，第二个返回值表示是否新建
func (s *Store) GetOrCreateAlias(alias *domain.Alias) (*domain.Alias, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.st.aliasesByAddr[alias.Address]; ok {
		existing := s.st.aliases[id]
		if existing.Internal != alias.Internal || !sameDomain(existing.DomainID, alias.DomainID) {
			return nil, false, storage.ErrAlreadyExists
		}
		cp := *existing
		return &cp, false, nil
	}

	if err := s.saveAliasLocked(alias); err != nil {
		return nil, false, err
	}
	cp := *alias
	return &cp, true, nil
}

// ListAliases 返回全部别名
func (s *Store) ListAliases() ([]*domain.Alias, error) {
	return s.filterAliases(func(*domain.Alias) bool { return true }), nil
}

// ListAliasesByDomain 返回域名下的全部别名
func (s *Store) ListAliasesByDomain(domainID string) ([]*domain.Alias, error) {
	return s.filterAliases(func(a *domain.Alias) bool {
		return a.DomainID != nil && *a.DomainID == domainID
	}), nil
}

func (s *Store) filterAliases(keep func(*domain.Alias) bool) []*domain.Alias {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Alias, 0)
	for _, alias := range s.st.aliases {
		if keep(alias) {
			cp := *alias
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result
}

// DeleteAlias 删除别名及其接收者
func (s *Store) DeleteAlias(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.aliases[id]; !ok {
		return storage.ErrNotFound
	}
	s.deleteAliasLocked(id)
	return nil
}

// DeleteAliasesByAddress 删除指定地址的别名
func (s *Store) DeleteAliasesByAddress(address string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.st.aliasesByAddr[address]
	if !ok {
		return 0, nil
	}
	s.deleteAliasLocked(id)
	return 1, nil
}

func (s *Store) deleteAliasLocked(id string) {
	alias := s.st.aliases[id]
	delete(s.st.aliases, id)
	delete(s.st.aliasesByAddr, alias.Address)
	for rid, r := range s.st.recipients {
		if r.AliasID == id {
			delete(s.st.recipients, rid)
		}
	}
}

// SaveAliasRecipient 创建或更新别名接收者
func (s *Store) SaveAliasRecipient(r *domain.AliasRecipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.aliases[r.AliasID]; !ok {
		return storage.ErrNotFound
	}
	ensureID(&r.ID)
	cp := *r
	s.st.recipients[r.ID] = &cp
	return nil
}

// ListAliasRecipients 返回别名的全部接收者
func (s *Store) ListAliasRecipients(aliasID string) ([]*domain.AliasRecipient, error) {
	return s.filterRecipients(func(r *domain.AliasRecipient) bool { return r.AliasID == aliasID }), nil
}

// ListRecipientsByMailbox 返回指向邮箱的全部接收者
func (s *Store) ListRecipientsByMailbox(mailboxID string) ([]*domain.AliasRecipient, error) {
	return s.filterRecipients(func(r *domain.AliasRecipient) bool { return r.PointsTo(mailboxID) }), nil
}

// ListRecipientsByAddress 返回地址等于 address 的全部接收者
func (s *Store) ListRecipientsByAddress(address string) ([]*domain.AliasRecipient, error) {
	return s.filterRecipients(func(r *domain.AliasRecipient) bool { return r.Address == address }), nil
}

// CountAliasRecipients 统计别名的接收者数量
func (s *Store) CountAliasRecipients(aliasID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, r := range s.st.recipients {
		if r.AliasID == aliasID {
			count++
		}
	}
	return count, nil
}

func (s *Store) filterRecipients(keep func(*domain.AliasRecipient) bool) []*domain.AliasRecipient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.AliasRecipient, 0)
	for _, r := range s.st.recipients {
		if keep(r) {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Address != result[j].Address {
			return result[i].Address < result[j].Address
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// DeleteAliasRecipient 删除别名接收者
func (s *Store) DeleteAliasRecipient(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.recipients[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.st.recipients, id)
	return nil
}
