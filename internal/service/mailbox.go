package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/engine"
	"mailadmin/backend/internal/logger"
	"mailadmin/backend/internal/permission"
	"mailadmin/backend/internal/storage"
)

// MailboxService 封装邮箱相关业务操作。
type MailboxService struct {
	store     storage.Store
	engine    *engine.Engine
	auth      *permission.Authorizer
	validator *domain.EmailValidator
	log       *zap.Logger
}

// NewMailboxService 创建邮箱业务服务。
func NewMailboxService(store storage.Store, eng *engine.Engine, log *zap.Logger) *MailboxService {
	return &MailboxService{
		store:     store,
		engine:    eng,
		auth:      eng.Propagator().Authorizer(),
		validator: domain.NewEmailValidator(),
		log:       logger.OrNop(log),
	}
}

// mailboxPlan 已通过全部检查、尚未写入的邮箱
type mailboxPlan struct {
	domain  *domain.Domain
	mailbox *domain.Mailbox
}

func (p *mailboxPlan) fullAddress() string {
	return p.mailbox.FullAddress(p.domain.Name)
}

// plan 按顺序检查：地址格式、域名存在、域名访问权、创建配额、地址冲突
func (s *MailboxService) plan(tx storage.Store, actor *domain.User, email string) (*mailboxPlan, error) {
	email = domain.NormalizeAddress(email)
	local, domName, ok := domain.SplitMailbox(email)
	if !ok || local == "" || domName == "" {
		return nil, domain.Validation("email", fmt.Sprintf("invalid email %q", email))
	}
	if err := s.validator.ValidateLocalPart(local); err != nil {
		return nil, domain.Validation("email", err.Error())
	}

	d, err := tx.GetDomainByName(domName)
	if err != nil {
		return nil, storeError(err, "email", "domain "+domName)
	}
	if actor != nil {
		ok, err := s.auth.CanAccess(tx, actor, domain.Ref(domain.ObjectDomain, d.ID))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.Permission(fmt.Sprintf("no access to domain %s", d.Name))
		}
		if err := s.auth.CheckCanCreateMailbox(tx, actor); err != nil {
			return nil, err
		}
	}
	if err := s.auth.CheckDomainMailboxLimit(tx, d); err != nil {
		return nil, err
	}
	if err := s.checkAddressFree(tx, local, d); err != nil {
		return nil, err
	}

	return &mailboxPlan{
		domain:  d,
		mailbox: &domain.Mailbox{Address: local, DomainID: d.ID},
	}, nil
}

// checkAddressFree 地址不能已被邮箱或用户别名占用
func (s *MailboxService) checkAddressFree(tx storage.Store, local string, d *domain.Domain) error {
	full := local + "@" + d.Name
	_, err := tx.GetMailboxByAddress(local, d.ID)
	if found, err := exists(err); err != nil {
		return err
	} else if found {
		return domain.Conflict("email", fmt.Sprintf("mailbox %s already exists", full))
	}

	alias, err := tx.GetAliasByAddress(full)
	if found, err := exists(err); err != nil {
		return err
	} else if found && !alias.Internal {
		return domain.Conflict("email", fmt.Sprintf("alias %s already exists", full))
	}
	return nil
}

// apply 写入邮箱并把账户邮箱地址指向它
func (s *MailboxService) apply(ctx context.Context, tx storage.Store, actor, owner *domain.User, p *mailboxPlan) error {
	p.mailbox.UserID = owner.ID
	if err := s.engine.CreateMailbox(ctx, tx, actor, p.mailbox, p.domain); err != nil {
		return err
	}
	owner.Email = p.fullAddress()
	if err := tx.SaveUser(owner); err != nil {
		return fmt.Errorf("save account %s: %w", owner.Username, err)
	}
	s.log.Info("mailbox created",
		zap.String("mailbox", p.fullAddress()),
		zap.String("owner", owner.Username),
	)
	return nil
}

// CreateMailboxInput 定义创建邮箱所需的输入。
type CreateMailboxInput struct {
	Email  string
	UserID string
	// Quota 为 0 时继承域名默认配额
	Quota int64
}

// Create 为账户创建邮箱
func (s *MailboxService) Create(ctx context.Context, actor *domain.User, input CreateMailboxInput) (*domain.Mailbox, error) {
	var created *domain.Mailbox
	err := s.store.Transaction(ctx, func(tx storage.Store) error {
		owner, err := tx.GetUser(input.UserID)
		if err != nil {
			return storeError(err, "user", "account")
		}
		if err := s.checkNoMailbox(tx, owner); err != nil {
			return err
		}
		p, err := s.plan(tx, actor, input.Email)
		if err != nil {
			return err
		}
		if err := p.mailbox.SetQuota(p.domain, input.Quota, s.override(actor)); err != nil {
			return err
		}
		if err := s.apply(ctx, tx, actor, owner, p); err != nil {
			return err
		}
		created = p.mailbox
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *MailboxService) checkNoMailbox(tx storage.Store, owner *domain.User) error {
	_, err := tx.GetMailboxByUserID(owner.ID)
	found, err := exists(err)
	if err != nil {
		return err
	}
	if found {
		return domain.Conflict("user", fmt.Sprintf("account %s already has a mailbox", owner.Username))
	}
	return nil
}

// override 系统操作和拥有高级域名权限的管理员可以突破域名配额
func (s *MailboxService) override(actor *domain.User) bool {
	return actor == nil || s.auth.CanChangeDomain(actor)
}

// UpdateMailboxInput 定义更新邮箱的输入，nil 字段保持不变。
type UpdateMailboxInput struct {
	ID    string
	Email *string
	Quota *int64
}

// Update 更新邮箱地址或配额。地址变化时由一致性引擎迁移自身别名、用量记录和目录。
func (s *MailboxService) Update(ctx context.Context, actor *domain.User, input UpdateMailboxInput) (*domain.Mailbox, error) {
	var updated *domain.Mailbox
	err := s.store.Transaction(ctx, func(tx storage.Store) error {
		mb, err := tx.GetMailbox(input.ID)
		if err != nil {
			return storeError(err, "id", "mailbox")
		}
		oldDomain, err := tx.GetDomain(mb.DomainID)
		if err != nil {
			return storeError(err, "domain", "domain")
		}
		if err := checkDomainAccess(s.auth, tx, actor, oldDomain); err != nil {
			return err
		}

		newDomain := oldDomain
		rename := &domain.MailboxRename{
			OldFullAddress: mb.FullAddress(oldDomain.Name),
			OldHome:        s.engine.HomePath(oldDomain.Name, mb.Address),
		}
		if input.Email != nil {
			email := domain.NormalizeAddress(*input.Email)
			if email != rename.OldFullAddress {
				local, domName, ok := domain.SplitMailbox(email)
				if !ok || local == "" || domName == "" {
					return domain.Validation("email", fmt.Sprintf("invalid email %q", email))
				}
				if err := s.validator.ValidateLocalPart(local); err != nil {
					return domain.Validation("email", err.Error())
				}
				if domName != oldDomain.Name {
					if newDomain, err = tx.GetDomainByName(domName); err != nil {
						return storeError(err, "email", "domain "+domName)
					}
					if err := checkDomainAccess(s.auth, tx, actor, newDomain); err != nil {
						return err
					}
					if err := s.auth.CheckDomainMailboxLimit(tx, newDomain); err != nil {
						return err
					}
				}
				if err := s.checkAddressFree(tx, local, newDomain); err != nil {
					return err
				}
				mb.Address = local
				mb.DomainID = newDomain.ID
			}
		}
		rename.NewFullAddress = mb.FullAddress(newDomain.Name)
		rename.NewHome = s.engine.HomePath(newDomain.Name, mb.Address)

		switch {
		case input.Quota != nil:
			if err := mb.SetQuota(newDomain, *input.Quota, s.override(actor)); err != nil {
				return err
			}
		case mb.UseDomainQuota:
			mb.Quota = newDomain.DefaultMailboxQuota
		}

		if err := tx.SaveMailbox(mb); err != nil {
			return storeError(err, "email", "mailbox")
		}
		ev := &engine.Event{
			Kind:          engine.MailboxUpdated,
			Actor:         actor,
			Mailbox:       mb,
			MailboxDomain: newDomain,
			MailboxRename: rename,
		}
		if err := s.engine.Fire(ctx, tx, ev); err != nil {
			return err
		}
		if rename.Changed() {
			if err := s.followOwner(tx, mb, rename); err != nil {
				return err
			}
		}
		updated = mb
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// followOwner 账户的邮箱地址和同名登录名跟随邮箱改名
func (s *MailboxService) followOwner(tx storage.Store, mb *domain.Mailbox, rename *domain.MailboxRename) error {
	owner, err := tx.GetUser(mb.UserID)
	if found, err := exists(err); err != nil || !found {
		return err
	}
	changed := false
	if owner.Email == rename.OldFullAddress {
		owner.Email = rename.NewFullAddress
		changed = true
	}
	if owner.Username == rename.OldFullAddress {
		owner.Username = rename.NewFullAddress
		changed = true
	}
	if !changed {
		return nil
	}
	return storeError(tx.SaveUser(owner), "email", "account")
}

// Delete 删除邮箱。是否删除目录由全局参数和请求上下文决定。
func (s *MailboxService) Delete(ctx context.Context, actor *domain.User, id string) error {
	return s.store.Transaction(ctx, func(tx storage.Store) error {
		mb, err := tx.GetMailbox(id)
		if err != nil {
			return storeError(err, "id", "mailbox")
		}
		d, err := tx.GetDomain(mb.DomainID)
		if err != nil {
			return storeError(err, "domain", "domain")
		}
		if err := checkDomainAccess(s.auth, tx, actor, d); err != nil {
			return err
		}
		if err := s.engine.DeleteMailbox(ctx, tx, actor, mb, d); err != nil {
			return err
		}
		s.log.Info("mailbox deleted", zap.String("mailbox", mb.FullAddress(d.Name)))
		return nil
	})
}

// Get 根据 ID 获取邮箱
func (s *MailboxService) Get(id string) (*domain.Mailbox, error) {
	mb, err := s.store.GetMailbox(id)
	return mb, storeError(err, "id", "mailbox")
}

// GetByAddress 根据完整地址获取邮箱
func (s *MailboxService) GetByAddress(email string) (*domain.Mailbox, error) {
	local, domName, ok := domain.SplitMailbox(domain.NormalizeAddress(email))
	if !ok || domName == "" {
		return nil, domain.Validation("email", fmt.Sprintf("invalid email %q", email))
	}
	d, err := s.store.GetDomainByName(domName)
	if err != nil {
		return nil, storeError(err, "email", "domain")
	}
	mb, err := s.store.GetMailboxByAddress(local, d.ID)
	return mb, storeError(err, "email", "mailbox")
}
