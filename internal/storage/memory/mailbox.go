package memory

import (
	"sort"
	"strings"
	"time"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage"
)

func mailboxKey(domainID, localPart string) string {
	return domainID + "/" + localPart
}

// SaveMailbox 创建或更新邮箱
func (s *Store) SaveMailbox(mb *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&mb.ID)
	key := mailboxKey(mb.DomainID, mb.Address)
	if existingID, ok := s.st.mailboxesByAddr[key]; ok && existingID != mb.ID {
		return storage.ErrAlreadyExists
	}
	if existingID, ok := s.st.mailboxesByUser[mb.UserID]; ok && existingID != mb.ID {
		return storage.ErrAlreadyExists
	}
	if mb.CreatedAt.IsZero() {
		mb.CreatedAt = time.Now()
	}

	if prev, ok := s.st.mailboxes[mb.ID]; ok {
		delete(s.st.mailboxesByAddr, mailboxKey(prev.DomainID, prev.Address))
		delete(s.st.mailboxesByUser, prev.UserID)
	}

	cp := *mb
	s.st.mailboxes[mb.ID] = &cp
	s.st.mailboxesByAddr[key] = mb.ID
	s.st.mailboxesByUser[mb.UserID] = mb.ID
	return nil
}

// GetMailbox 根据 ID 获取邮箱
func (s *Store) GetMailbox(id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mb, ok := s.st.mailboxes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *mb
	return &cp, nil
}

// GetMailboxByAddress 根据本地部分和域名获取邮箱
func (s *Store) GetMailboxByAddress(localPart, domainID string) (*domain.Mailbox, error) {
	s.mu.RLock()
	id, ok := s.st.mailboxesByAddr[mailboxKey(domainID, localPart)]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.GetMailbox(id)
}

// GetMailboxByUserID 获取账户对应的邮箱
func (s *Store) GetMailboxByUserID(userID string) (*domain.Mailbox, error) {
	s.mu.RLock()
	id, ok := s.st.mailboxesByUser[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.GetMailbox(id)
}

// ListMailboxes 返回全部邮箱
func (s *Store) ListMailboxes() ([]*domain.Mailbox, error) {
	return s.filterMailboxes(func(*domain.Mailbox) bool { return true }), nil
}

// ListMailboxesByDomain 返回域名下的全部邮箱
func (s *Store) ListMailboxesByDomain(domainID string) ([]*domain.Mailbox, error) {
	return s.filterMailboxes(func(mb *domain.Mailbox) bool { return mb.DomainID == domainID }), nil
}

// CountMailboxesByDomain 统计域名下的邮箱数量
func (s *Store) CountMailboxesByDomain(domainID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, mb := range s.st.mailboxes {
		if mb.DomainID == domainID {
			count++
		}
	}
	return count, nil
}

func (s *Store) filterMailboxes(keep func(*domain.Mailbox) bool) []*domain.Mailbox {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Mailbox, 0)
	for _, mb := range s.st.mailboxes {
		if keep(mb) {
			cp := *mb
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].DomainID != result[j].DomainID {
			return result[i].DomainID < result[j].DomainID
		}
		return result[i].Address < result[j].Address
	})
	return result
}

// ResetDomainQuota 重置继承域名配额的邮箱
func (s *Store) ResetDomainQuota(domainID string, quota int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := 0
	for id, mb := range s.st.mailboxes {
		if mb.DomainID != domainID || !mb.UseDomainQuota {
			continue
		}
		cp := *mb
		cp.Quota = quota
		s.st.mailboxes[id] = &cp
		updated++
	}
	return updated, nil
}

// DeleteMailbox 删除邮箱记录
func (s *Store) DeleteMailbox(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.st.mailboxes[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.st.mailboxes, id)
	delete(s.st.mailboxesByAddr, mailboxKey(mb.DomainID, mb.Address))
	delete(s.st.mailboxesByUser, mb.UserID)
	return nil
}

// SaveQuota 保存用量记录
func (s *Store) SaveQuota(q *domain.Quota) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *q
	s.st.quotas[q.Username] = &cp
	return nil
}

// GetQuota 获取用量记录
func (s *Store) GetQuota(username string) (*domain.Quota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.st.quotas[username]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

// ListQuotasContaining 返回 username 包含 fragment 的用量记录
func (s *Store) ListQuotasContaining(fragment string) ([]*domain.Quota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Quota, 0)
	for _, q := range s.st.quotas {
		if strings.Contains(q.Username, fragment) {
			cp := *q
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
}

// DeleteQuota 删除用量记录，记录不存在时忽略
func (s *Store) DeleteQuota(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.st.quotas, username)
	return nil
}
