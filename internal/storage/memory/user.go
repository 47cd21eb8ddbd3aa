package memory

import (
	"maps"
	"sort"
	"time"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage"
)

// CreateUser 创建账户
func (s *Store) CreateUser(user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&user.ID)
	if _, ok := s.st.users[user.ID]; ok {
		return storage.ErrAlreadyExists
	}
	if _, ok := s.st.usersByName[user.Username]; ok {
		return storage.ErrAlreadyExists
	}

	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	cp := *user
	s.st.users[user.ID] = &cp
	s.st.usersByName[user.Username] = user.ID
	return nil
}

// SaveUser 更新账户
func (s *Store) SaveUser(user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.st.users[user.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if existingID, ok := s.st.usersByName[user.Username]; ok && existingID != user.ID {
		return storage.ErrAlreadyExists
	}
	delete(s.st.usersByName, prev.Username)
	user.UpdatedAt = time.Now()

	cp := *user
	s.st.users[user.ID] = &cp
	s.st.usersByName[user.Username] = user.ID
	return nil
}

// GetUser 根据 ID 获取账户
func (s *Store) GetUser(id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.st.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

// GetUserByUsername 根据用户名获取账户
func (s *Store) GetUserByUsername(username string) (*domain.User, error) {
	s.mu.RLock()
	id, ok := s.st.usersByName[username]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.GetUser(id)
}

// ListUsers 按用户名返回全部账户
func (s *Store) ListUsers() ([]*domain.User, error) {
	users := s.filterUsers(func(*domain.User) bool { return true })
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// ListSuperusers 按创建时间返回全部超级用户
func (s *Store) ListSuperusers() ([]*domain.User, error) {
	users := s.filterUsers(func(u *domain.User) bool { return u.IsSuperuser })
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].Username < users[j].Username
	})
	return users, nil
}

func (s *Store) filterUsers(keep func(*domain.User) bool) []*domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.User, 0)
	for _, u := range s.st.users {
		if keep(u) {
			cp := *u
			result = append(result, &cp)
		}
	}
	return result
}

// DeleteUser 删除账户
func (s *Store) DeleteUser(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.st.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	delete(s.st.users, id)
	delete(s.st.usersByName, user.Username)
	return nil
}

func accessKey(userID string, ref domain.ObjectRef) string {
	return userID + "|" + string(ref.Type) + "|" + ref.ID
}

// GrantAccess 授权，重复授权不会产生新记录
func (s *Store) GrantAccess(access *domain.ObjectAccess) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := accessKey(access.UserID, access.Ref())
	if existing, ok := s.st.access[key]; ok {
		if access.IsOwner && !existing.IsOwner {
			cp := *existing
			cp.IsOwner = true
			s.st.access[key] = &cp
		}
		return nil
	}

	ensureID(&access.ID)
	cp := *access
	s.st.access[key] = &cp
	return nil
}

// HasAccess 判断用户是否拥有对象访问权
func (s *Store) HasAccess(userID string, ref domain.ObjectRef) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.st.access[accessKey(userID, ref)]
	return ok, nil
}

// ListAccessByObject 返回对象上的全部授权
func (s *Store) ListAccessByObject(ref domain.ObjectRef) ([]*domain.ObjectAccess, error) {
	return s.filterAccess(func(a *domain.ObjectAccess) bool { return a.Ref() == ref }), nil
}

// ListAccessByUser 返回用户在某类对象上的全部授权
func (s *Store) ListAccessByUser(userID string, objectType domain.ObjectType) ([]*domain.ObjectAccess, error) {
	return s.filterAccess(func(a *domain.ObjectAccess) bool {
		return a.UserID == userID && a.ObjectType == objectType
	}), nil
}

func (s *Store) filterAccess(keep func(*domain.ObjectAccess) bool) []*domain.ObjectAccess {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.ObjectAccess, 0)
	for _, a := range s.st.access {
		if keep(a) {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return accessKey(result[i].UserID, result[i].Ref()) < accessKey(result[j].UserID, result[j].Ref())
	})
	return result
}

// RevokeObjectAccess 撤销对象上的全部授权
func (s *Store) RevokeObjectAccess(ref domain.ObjectRef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, a := range s.st.access {
		if a.Ref() == ref {
			delete(s.st.access, key)
			removed++
		}
	}
	return removed, nil
}

// RevokeUserAccess 撤销用户持有的全部授权
func (s *Store) RevokeUserAccess(userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, a := range s.st.access {
		if a.UserID == userID {
			delete(s.st.access, key)
			removed++
		}
	}
	return removed, nil
}

// GetLocalConfig 获取全局参数，未保存过时返回 ErrNotFound
func (s *Store) GetLocalConfig() (*domain.LocalConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.st.localConfig == nil {
		return nil, storage.ErrNotFound
	}
	return &domain.LocalConfig{
		ID:         s.st.localConfig.ID,
		Parameters: maps.Clone(s.st.localConfig.Parameters),
	}, nil
}

// SaveLocalConfig 保存全局参数
func (s *Store) SaveLocalConfig(cfg *domain.LocalConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = domain.LocalConfigID
	}
	s.st.localConfig = &domain.LocalConfig{
		ID:         cfg.ID,
		Parameters: maps.Clone(cfg.Parameters),
	}
	return nil
}
