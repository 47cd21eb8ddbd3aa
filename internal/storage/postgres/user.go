package postgres

import (
	"errors"

	"gorm.io/gorm"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage"
)

// ========== User Repository ==========

// CreateUser 创建账户
func (s *Store) CreateUser(user *domain.User) error {
	ensureID(&user.ID)
	return translate(s.db.Create(user).Error)
}

// SaveUser 更新账户
func (s *Store) SaveUser(user *domain.User) error {
	result := s.db.Model(user).Select("*").Omit("created_at").Updates(user)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetUser 根据 ID 获取账户
func (s *Store) GetUser(id string) (*domain.User, error) {
	var user domain.User
	if err := s.db.Where("id = ?", id).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// GetUserByUsername 根据用户名获取账户
func (s *Store) GetUserByUsername(username string) (*domain.User, error) {
	var user domain.User
	if err := s.db.Where("username = ?", username).First(&user).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

// ListUsers 按用户名返回全部账户
func (s *Store) ListUsers() ([]*domain.User, error) {
	var users []*domain.User
	err := s.db.Order("username").Find(&users).Error
	return users, translate(err)
}

// ListSuperusers 按创建时间返回全部超级用户
func (s *Store) ListSuperusers() ([]*domain.User, error) {
	var users []*domain.User
	err := s.db.Where("is_superuser = ?", true).Order("created_at, username").Find(&users).Error
	return users, translate(err)
}

// DeleteUser 删除账户
func (s *Store) DeleteUser(id string) error {
	return s.deleteByID(&domain.User{}, id)
}

// ========== Access Repository ==========

// GrantAccess 授权，重复授权只会把 IsOwner 提升为 true
func (s *Store) GrantAccess(access *domain.ObjectAccess) error {
	var existing domain.ObjectAccess
	err := s.db.Where("user_id = ? AND object_type = ? AND object_id = ?",
		access.UserID, access.ObjectType, access.ObjectID).First(&existing).Error
	switch {
	case err == nil:
		if access.IsOwner && !existing.IsOwner {
			return translate(s.db.Model(&existing).Update("is_owner", true).Error)
		}
		return nil
	case !errors.Is(translate(err), storage.ErrNotFound):
		return translate(err)
	}

	ensureID(&access.ID)
	err = translate(s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(access).Error
	}))
	if errors.Is(err, storage.ErrAlreadyExists) {
		// 并发授权，已有记录即可
		return nil
	}
	return err
}

// HasAccess 判断用户是否拥有对象访问权
func (s *Store) HasAccess(userID string, ref domain.ObjectRef) (bool, error) {
	var count int64
	err := s.db.Model(&domain.ObjectAccess{}).
		Where("user_id = ? AND object_type = ? AND object_id = ?", userID, ref.Type, ref.ID).
		Count(&count).Error
	return count > 0, translate(err)
}

// ListAccessByObject 返回对象上的全部授权
func (s *Store) ListAccessByObject(ref domain.ObjectRef) ([]*domain.ObjectAccess, error) {
	var grants []*domain.ObjectAccess
	err := s.db.Where("object_type = ? AND object_id = ?", ref.Type, ref.ID).
		Order("user_id").Find(&grants).Error
	return grants, translate(err)
}

// ListAccessByUser 返回用户在某类对象上的全部授权
func (s *Store) ListAccessByUser(userID string, objectType domain.ObjectType) ([]*domain.ObjectAccess, error) {
	var grants []*domain.ObjectAccess
	err := s.db.Where("user_id = ? AND object_type = ?", userID, objectType).
		Order("object_id").Find(&grants).Error
	return grants, translate(err)
}

// RevokeObjectAccess 撤销对象上的全部授权
func (s *Store) RevokeObjectAccess(ref domain.ObjectRef) (int, error) {
	result := s.db.Where("object_type = ? AND object_id = ?", ref.Type, ref.ID).Delete(&domain.ObjectAccess{})
	return int(result.RowsAffected), translate(result.Error)
}

// RevokeUserAccess 撤销用户持有的全部授权
func (s *Store) RevokeUserAccess(userID string) (int, error) {
	result := s.db.Where("user_id = ?", userID).Delete(&domain.ObjectAccess{})
	return int(result.RowsAffected), translate(result.Error)
}

// ========== LocalConfig Repository ==========

// GetLocalConfig 获取全局参数
func (s *Store) GetLocalConfig() (*domain.LocalConfig, error) {
	var cfg domain.LocalConfig
	if err := s.db.Where("id = ?", domain.LocalConfigID).First(&cfg).Error; err != nil {
		return nil, translate(err)
	}
	return &cfg, nil
}

// SaveLocalConfig 保存全局参数
func (s *Store) SaveLocalConfig(cfg *domain.LocalConfig) error {
	if cfg.ID == "" {
		cfg.ID = domain.LocalConfigID
	}
	return translate(s.db.Save(cfg).Error)
}
