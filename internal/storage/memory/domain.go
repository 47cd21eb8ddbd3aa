package memory

import (
	"sort"
	"time"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage"
)

// SaveDomain 创建或更新域名
func (s *Store) SaveDomain(d *domain.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&d.ID)
	if existingID, ok := s.st.domainsByName[d.Name]; ok && existingID != d.ID {
		return storage.ErrAlreadyExists
	}

	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	// 改名时移除旧索引
	if prev, ok := s.st.domains[d.ID]; ok && prev.Name != d.Name {
		delete(s.st.domainsByName, prev.Name)
	}

	cp := *d
	s.st.domains[d.ID] = &cp
	s.st.domainsByName[d.Name] = d.ID
	return nil
}

// GetDomain 根据 ID 获取域名
func (s *Store) GetDomain(id string) (*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.st.domains[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// GetDomainByName 根据名称获取域名
func (s *Store) GetDomainByName(name string) (*domain.Domain, error) {
	s.mu.RLock()
	id, ok := s.st.domainsByName[name]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.GetDomain(id)
}

// ListDomains 按名称返回全部域名
func (s *Store) ListDomains() ([]*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Domain, 0, len(s.st.domains))
	for _, d := range s.st.domains {
		cp := *d
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// DeleteDomain 删除域名记录，关联数据由调用方清理
func (s *Store) DeleteDomain(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.st.domains[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.st.domains, id)
	delete(s.st.domainsByName, d.Name)
	return nil
}

// SaveDomainAlias 创建或更新域名别名
func (s *Store) SaveDomainAlias(da *domain.DomainAlias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&da.ID)
	if existingID, ok := s.st.domainAliasIdx[da.Name]; ok && existingID != da.ID {
		return storage.ErrAlreadyExists
	}
	if da.CreatedAt.IsZero() {
		da.CreatedAt = time.Now()
	}
	if prev, ok := s.st.domainAliases[da.ID]; ok && prev.Name != da.Name {
		delete(s.st.domainAliasIdx, prev.Name)
	}

	cp := *da
	s.st.domainAliases[da.ID] = &cp
	s.st.domainAliasIdx[da.Name] = da.ID
	return nil
}

// GetDomainAlias 根据 ID 获取域名别名
func (s *Store) GetDomainAlias(id string) (*domain.DomainAlias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	da, ok := s.st.domainAliases[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *da
	return &cp, nil
}

// GetDomainAliasByName 根据名称获取域名别名
func (s *Store) GetDomainAliasByName(name string) (*domain.DomainAlias, error) {
	s.mu.RLock()
	id, ok := s.st.domainAliasIdx[name]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.GetDomainAlias(id)
}

// ListDomainAliases 返回全部域名别名
func (s *Store) ListDomainAliases() ([]*domain.DomainAlias, error) {
	return s.filterDomainAliases(func(*domain.DomainAlias) bool { return true }), nil
}

// ListDomainAliasesByTarget 返回指向某个域名的全部域名别名
func (s *Store) ListDomainAliasesByTarget(targetID string) ([]*domain.DomainAlias, error) {
	return s.filterDomainAliases(func(da *domain.DomainAlias) bool { return da.TargetID == targetID }), nil
}

func (s *Store) filterDomainAliases(keep func(*domain.DomainAlias) bool) []*domain.DomainAlias {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.DomainAlias, 0)
	for _, da := range s.st.domainAliases {
		if keep(da) {
			cp := *da
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// DeleteDomainAlias 删除域名别名
func (s *Store) DeleteDomainAlias(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	da, ok := s.st.domainAliases[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.st.domainAliases, id)
	delete(s.st.domainAliasIdx, da.Name)
	return nil
}
