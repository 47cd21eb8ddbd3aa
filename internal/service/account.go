package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/engine"
	"mailadmin/backend/internal/logger"
	"mailadmin/backend/internal/permission"
	"mailadmin/backend/internal/storage"
)

// AccountService 封装账户生命周期操作。
type AccountService struct {
	store     storage.Store
	engine    *engine.Engine
	auth      *permission.Authorizer
	mailboxes *MailboxService
	log       *zap.Logger
}

// NewAccountService 创建账户业务服务。
func NewAccountService(store storage.Store, eng *engine.Engine, mailboxes *MailboxService, log *zap.Logger) *AccountService {
	return &AccountService{
		store:     store,
		engine:    eng,
		auth:      eng.Propagator().Authorizer(),
		mailboxes: mailboxes,
		log:       logger.OrNop(log),
	}
}

// CreateAccountInput 定义创建账户所需的输入。
type CreateAccountInput struct {
	Username     string
	Password     string
	FirstName    string
	LastName     string
	Role         domain.UserRole
	IsActive     bool
	MailboxLimit int
	// Email 非空时同时创建邮箱
	Email string
	Quota int64
}

// newAccount 检查输入并构造账户，不写入存储
func (s *AccountService) newAccount(st storage.Store, actor *domain.User, input CreateAccountInput) (*domain.User, error) {
	username := domain.NormalizeAddress(input.Username)
	if username == "" {
		return nil, domain.Validation("username", "username is required")
	}
	role := input.Role
	if role == "" {
		role = domain.RoleSimpleUsers
	}
	if !role.Valid() {
		return nil, domain.Validation("role", fmt.Sprintf("unknown role %q", input.Role))
	}
	if err := s.checkAssignRole(actor, role); err != nil {
		return nil, err
	}

	_, err := st.GetUserByUsername(username)
	if found, err := exists(err); err != nil {
		return nil, err
	} else if found {
		return nil, domain.Conflict("username", fmt.Sprintf("account %s already exists", username))
	}

	password := input.Password
	if !strings.HasPrefix(password, "{") {
		if password, err = HashPassword(password); err != nil {
			return nil, err
		}
	}
	return &domain.User{
		Username:     username,
		PasswordHash: password,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		Role:         role,
		IsActive:     input.IsActive,
		IsSuperuser:  role == domain.RoleSuperAdmins,
		MailboxLimit: input.MailboxLimit,
	}, nil
}

// checkAssignRole 只能分配不高于自身的角色，超级管理员只能由平台管理员分配
func (s *AccountService) checkAssignRole(actor *domain.User, role domain.UserRole) error {
	if actor == nil || s.auth.IsPlatformAdmin(actor) {
		return nil
	}
	if role == domain.RoleSuperAdmins || role.Level() > actor.Role.Level() {
		return domain.Permission(fmt.Sprintf("not allowed to assign role %s", role))
	}
	return nil
}

// insert 写入账户并处理授权；超级管理员获得全部对象的访问权
func (s *AccountService) insert(ctx context.Context, tx storage.Store, actor, u *domain.User) error {
	if err := tx.CreateUser(u); err != nil {
		return storeError(err, "username", "account")
	}
	if err := s.engine.Propagator().OnCreated(tx, actor, domain.Ref(domain.ObjectUser, u.ID), ""); err != nil {
		return err
	}
	if u.Role == domain.RoleSuperAdmins {
		return s.engine.Fire(ctx, tx, &engine.Event{Kind: engine.AccountRoleChanged, Actor: actor, User: u})
	}
	return nil
}

// Create 创建账户，提供 Email 时在同一事务中创建邮箱
func (s *AccountService) Create(ctx context.Context, actor *domain.User, input CreateAccountInput) (*domain.User, error) {
	var created *domain.User
	err := s.store.Transaction(ctx, func(tx storage.Store) error {
		u, err := s.newAccount(tx, actor, input)
		if err != nil {
			return err
		}
		var plan *mailboxPlan
		if input.Email != "" {
			if plan, err = s.mailboxes.plan(tx, actor, input.Email); err != nil {
				return err
			}
			if err := plan.mailbox.SetQuota(plan.domain, input.Quota, s.mailboxes.override(actor)); err != nil {
				return err
			}
		}

		if err := s.insert(ctx, tx, actor, u); err != nil {
			return err
		}
		if plan != nil {
			if err := s.mailboxes.apply(ctx, tx, actor, u, plan); err != nil {
				return err
			}
		}
		created = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("account created", zap.String("user", created.Username), zap.String("role", string(created.Role)))
	return created, nil
}

// UpdateAccountInput 定义更新账户的输入，nil 字段保持不变。
type UpdateAccountInput struct {
	ID           string
	FirstName    *string
	LastName     *string
	Password     *string
	Role         *domain.UserRole
	IsActive     *bool
	MailboxLimit *int
}

// Update 更新账户。停用会禁用以其邮箱为唯一接收者的别名，角色变化会重新计算授权。
func (s *AccountService) Update(ctx context.Context, actor *domain.User, input UpdateAccountInput) (*domain.User, error) {
	var updated *domain.User
	err := s.store.Transaction(ctx, func(tx storage.Store) error {
		u, err := tx.GetUser(input.ID)
		if err != nil {
			return storeError(err, "id", "account")
		}
		if err := s.checkEdit(tx, actor, u); err != nil {
			return err
		}
		prev := *u

		if input.FirstName != nil {
			u.FirstName = *input.FirstName
		}
		if input.LastName != nil {
			u.LastName = *input.LastName
		}
		if input.Password != nil {
			if u.PasswordHash, err = HashPassword(*input.Password); err != nil {
				return err
			}
		}
		if input.MailboxLimit != nil {
			u.MailboxLimit = *input.MailboxLimit
		}
		if input.IsActive != nil {
			if actor != nil && actor.ID == u.ID && !*input.IsActive {
				return domain.Validation("is_active", "cannot deactivate your own account")
			}
			u.IsActive = *input.IsActive
		}
		if input.Role != nil && *input.Role != u.Role {
			if !input.Role.Valid() {
				return domain.Validation("role", fmt.Sprintf("unknown role %q", *input.Role))
			}
			if err := s.checkAssignRole(actor, *input.Role); err != nil {
				return err
			}
			u.Role = *input.Role
			u.IsSuperuser = u.Role == domain.RoleSuperAdmins
		}

		if err := tx.SaveUser(u); err != nil {
			return storeError(err, "id", "account")
		}
		ev := &engine.Event{Kind: engine.AccountUpdated, Actor: actor, User: u, PreviousUser: &prev}
		if err := s.engine.Fire(ctx, tx, ev); err != nil {
			return err
		}
		if u.Role != prev.Role {
			ev := &engine.Event{Kind: engine.AccountRoleChanged, Actor: actor, User: u, PreviousUser: &prev}
			if err := s.engine.Fire(ctx, tx, ev); err != nil {
				return err
			}
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *AccountService) checkEdit(st storage.Store, actor, u *domain.User) error {
	if actor == nil {
		return nil
	}
	ok, err := s.auth.CanAccess(st, actor, domain.Ref(domain.ObjectUser, u.ID))
	if err != nil {
		return err
	}
	if !ok {
		return domain.Permission(fmt.Sprintf("no access to account %s", u.Username))
	}
	return nil
}

// Delete 删除账户：先通过一致性引擎删除邮箱，再撤销授权
func (s *AccountService) Delete(ctx context.Context, actor *domain.User, id string) error {
	return s.store.Transaction(ctx, func(tx storage.Store) error {
		u, err := tx.GetUser(id)
		if err != nil {
			return storeError(err, "id", "account")
		}
		if actor != nil && actor.ID == u.ID {
			return domain.Validation("id", "cannot delete your own account")
		}
		if err := s.checkEdit(tx, actor, u); err != nil {
			return err
		}

		mb, err := tx.GetMailboxByUserID(u.ID)
		if found, err := exists(err); err != nil {
			return err
		} else if found {
			d, err := tx.GetDomain(mb.DomainID)
			if err != nil {
				return storeError(err, "domain", "domain")
			}
			if err := s.engine.DeleteMailbox(ctx, tx, actor, mb, d); err != nil {
				return err
			}
		}

		if _, err := tx.RevokeUserAccess(u.ID); err != nil {
			return err
		}
		if err := s.engine.Propagator().RevokeAll(tx, domain.Ref(domain.ObjectUser, u.ID)); err != nil {
			return err
		}
		if err := tx.DeleteUser(u.ID); err != nil {
			return storeError(err, "id", "account")
		}
		s.log.Info("account deleted", zap.String("user", u.Username))
		return nil
	})
}

// AutoCreate 外部认证后端首次登录时创建账户，按全局参数自动创建域名和邮箱
func (s *AccountService) AutoCreate(ctx context.Context, username string, role domain.UserRole) (*domain.User, error) {
	if role == "" {
		role = domain.RoleSimpleUsers
	}
	if !role.Valid() {
		return nil, domain.Validation("role", fmt.Sprintf("unknown role %q", role))
	}
	u := &domain.User{
		Username:    domain.NormalizeAddress(username),
		Role:        role,
		IsActive:    true,
		IsSuperuser: role == domain.RoleSuperAdmins,
	}
	if u.Username == "" {
		return nil, domain.Validation("username", "username is required")
	}
	err := s.store.Transaction(ctx, func(tx storage.Store) error {
		if err := tx.CreateUser(u); err != nil {
			return storeError(err, "username", "account")
		}
		return s.engine.Fire(ctx, tx, &engine.Event{Kind: engine.AccountAutoCreated, User: u})
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Get 根据 ID 获取账户
func (s *AccountService) Get(id string) (*domain.User, error) {
	u, err := s.store.GetUser(id)
	return u, storeError(err, "id", "account")
}

// GetByUsername 根据登录名获取账户
func (s *AccountService) GetByUsername(username string) (*domain.User, error) {
	u, err := s.store.GetUserByUsername(domain.NormalizeAddress(username))
	return u, storeError(err, "username", "account")
}

// List 返回用户可访问的账户
func (s *AccountService) List(actor *domain.User) ([]*domain.User, error) {
	users, err := s.store.ListUsers()
	if err != nil || actor == nil || s.auth.IsPlatformAdmin(actor) {
		return users, err
	}
	visible := make([]*domain.User, 0, len(users))
	for _, u := range users {
		ok, err := s.auth.CanAccess(s.store, actor, domain.Ref(domain.ObjectUser, u.ID))
		if err != nil {
			return nil, err
		}
		if ok {
			visible = append(visible, u)
		}
	}
	return visible, nil
}
