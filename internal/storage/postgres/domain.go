package postgres

import (
	"mailadmin/backend/internal/domain"
)

// ========== Domain Repository ==========

// SaveDomain 创建或更新域名
func (s *Store) SaveDomain(d *domain.Domain) error {
	ensureID(&d.ID)
	return translate(s.db.Save(d).Error)
}

// GetDomain 根据 ID 获取域名
func (s *Store) GetDomain(id string) (*domain.Domain, error) {
	var d domain.Domain
	if err := s.db.Where("id = ?", id).First(&d).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

// GetDomainByName 根据名称获取域名
func (s *Store) GetDomainByName(name string) (*domain.Domain, error) {
	var d domain.Domain
	if err := s.db.Where("name = ?", name).First(&d).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

// ListDomains 按名称返回全部域名
func (s *Store) ListDomains() ([]*domain.Domain, error) {
	var domains []*domain.Domain
	err := s.db.Order("name").Find(&domains).Error
	return domains, translate(err)
}

// DeleteDomain 删除域名记录
func (s *Store) DeleteDomain(id string) error {
	return s.deleteByID(&domain.Domain{}, id)
}

// ========== DomainAlias Repository ==========

// SaveDomainAlias 创建或更新域名别名
func (s *Store) SaveDomainAlias(da *domain.DomainAlias) error {
	ensureID(&da.ID)
	return translate(s.db.Save(da).Error)
}

// GetDomainAlias 根据 ID 获取域名别名
func (s *Store) GetDomainAlias(id string) (*domain.DomainAlias, error) {
	var da domain.DomainAlias
	if err := s.db.Where("id = ?", id).First(&da).Error; err != nil {
		return nil, translate(err)
	}
	return &da, nil
}

// GetDomainAliasByName 根据名称获取域名别名
func (s *Store) GetDomainAliasByName(name string) (*domain.DomainAlias, error) {
	var da domain.DomainAlias
	if err := s.db.Where("name = ?", name).First(&da).Error; err != nil {
		return nil, translate(err)
	}
	return &da, nil
}

// ListDomainAliases 返回全部域名别名
func (s *Store) ListDomainAliases() ([]*domain.DomainAlias, error) {
	var aliases []*domain.DomainAlias
	err := s.db.Order("name").Find(&aliases).Error
	return aliases, translate(err)
}

// ListDomainAliasesByTarget 返回指向某个域名的全部域名别名
func (s *Store) ListDomainAliasesByTarget(targetID string) ([]*domain.DomainAlias, error) {
	var aliases []*domain.DomainAlias
	err := s.db.Where("target_id = ?", targetID).Order("name").Find(&aliases).Error
	return aliases, translate(err)
}

// DeleteDomainAlias 删除域名别名
func (s *Store) DeleteDomainAlias(id string) error {
	return s.deleteByID(&domain.DomainAlias{}, id)
}
