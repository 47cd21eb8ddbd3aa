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

// DomainService 封装域名相关业务操作。actor 为 nil 表示系统操作，不做权限检查。
type DomainService struct {
	store     storage.Store
	engine    *engine.Engine
	auth      *permission.Authorizer
	validator *domain.EmailValidator
	log       *zap.Logger
}

// NewDomainService 创建域名业务服务。
func NewDomainService(store storage.Store, eng *engine.Engine, log *zap.Logger) *DomainService {
	return &DomainService{
		store:     store,
		engine:    eng,
		auth:      eng.Propagator().Authorizer(),
		validator: domain.NewEmailValidator(),
		log:       logger.OrNop(log),
	}
}

// CreateDomainInput 定义创建域名所需的输入。
type CreateDomainInput struct {
	Name                string
	Quota               int64
	DefaultMailboxQuota int64
	MailboxLimit        int
	Enabled             bool
	EnableDKIM          bool
	DKIMKeySelector     string
	DKIMKeyLength       int
}

// Create 创建域名
//
// 名称必须在域名和域名别名中唯一；启用 DKIM 时会投递密钥生成任务。
func (s *DomainService) Create(ctx context.Context, actor *domain.User, input CreateDomainInput) (*domain.Domain, error) {
	if actor != nil && !s.auth.CanChangeDomain(actor) {
		return nil, domain.Permission("not allowed to create domains")
	}
	name := domain.NormalizeAddress(input.Name)
	if err := s.validator.ValidateDomain(name); err != nil {
		return nil, domain.Validation("name", err.Error())
	}
	if err := checkQuotas(input.Quota, input.DefaultMailboxQuota); err != nil {
		return nil, err
	}
	if input.DKIMKeyLength == 0 {
		input.DKIMKeyLength = 2048
	}

	d := &domain.Domain{
		Name:                name,
		Enabled:             input.Enabled,
		Quota:               input.Quota,
		DefaultMailboxQuota: input.DefaultMailboxQuota,
		MailboxLimit:        input.MailboxLimit,
		EnableDKIM:          input.EnableDKIM,
		DKIMKeySelector:     input.DKIMKeySelector,
		DKIMKeyLength:       input.DKIMKeyLength,
	}
	err := s.store.Transaction(ctx, func(tx storage.Store) error {
		if err := checkNamespace(tx, name); err != nil {
			return err
		}
		return s.engine.CreateDomain(ctx, tx, actor, d)
	})
	if err != nil {
		return nil, storeError(err, "name", "domain")
	}

	s.log.Info("domain created", zap.String("domain", d.Name))
	return d, nil
}

func checkQuotas(quota, defaultMailboxQuota int64) error {
	if quota < 0 || defaultMailboxQuota < 0 {
		return domain.Validation("quota", "quota must not be negative")
	}
	if quota > 0 && defaultMailboxQuota > quota {
		return domain.Validation("default_mailbox_quota", "default mailbox quota exceeds the domain quota")
	}
	return nil
}

// UpdateDomainInput 定义更新域名的输入，nil 字段保持不变。
type UpdateDomainInput struct {
	ID                  string
	Name                *string
	Quota               *int64
	DefaultMailboxQuota *int64
	MailboxLimit        *int
	Enabled             *bool
	EnableDKIM          *bool
	DKIMKeySelector     *string
}

// Update 更新域名。名称变化时构造改名意图，由一致性引擎迁移邮箱、别名和用量记录。
func (s *DomainService) Update(ctx context.Context, actor *domain.User, input UpdateDomainInput) (*domain.Domain, error) {
	var updated *domain.Domain
	err := s.store.Transaction(ctx, func(tx storage.Store) error {
		d, err := tx.GetDomain(input.ID)
		if err != nil {
			return storeError(err, "id", "domain")
		}
		if err := s.checkManage(tx, actor, d); err != nil {
			return err
		}

		var rename *domain.DomainRename
		if input.Name != nil {
			name := domain.NormalizeAddress(*input.Name)
			if name != d.Name {
				if actor != nil && !s.auth.CanChangeDomain(actor) {
					return domain.Permission("not allowed to rename domains")
				}
				if err := s.validator.ValidateDomain(name); err != nil {
					return domain.Validation("name", err.Error())
				}
				if err := checkNamespace(tx, name); err != nil {
					return err
				}
				if rename, err = s.renameIntent(tx, d, name); err != nil {
					return err
				}
				d.Name = name
			}
		}
		if input.Quota != nil {
			d.Quota = *input.Quota
		}
		if input.DefaultMailboxQuota != nil {
			d.DefaultMailboxQuota = *input.DefaultMailboxQuota
		}
		if err := checkQuotas(d.Quota, d.DefaultMailboxQuota); err != nil {
			return err
		}
		if input.MailboxLimit != nil {
			d.MailboxLimit = *input.MailboxLimit
		}
		if input.Enabled != nil {
			d.Enabled = *input.Enabled
		}
		if input.EnableDKIM != nil {
			d.EnableDKIM = *input.EnableDKIM
		}
		if input.DKIMKeySelector != nil {
			d.DKIMKeySelector = *input.DKIMKeySelector
		}

		if err := tx.SaveDomain(d); err != nil {
			return storeError(err, "name", "domain")
		}
		ev := &engine.Event{Kind: engine.DomainUpdated, Actor: actor, Domain: d, DomainRename: rename}
		if err := s.engine.Fire(ctx, tx, ev); err != nil {
			return err
		}
		updated = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// renameIntent 记录改名前的名称和每个邮箱的原目录
func (s *DomainService) renameIntent(tx storage.Store, d *domain.Domain, newName string) (*domain.DomainRename, error) {
	rename := &domain.DomainRename{
		OldName:      d.Name,
		NewName:      newName,
		OldMailHomes: make(map[string]string),
	}
	mailboxes, err := tx.ListMailboxesByDomain(d.ID)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes of %s: %w", d.Name, err)
	}
	for _, mb := range mailboxes {
		if home := s.engine.HomePath(d.Name, mb.Address); home != "" {
			rename.OldMailHomes[mb.ID] = home
		}
	}
	return rename, nil
}

// Delete 删除域名及其下全部邮箱、别名和域名别名
func (s *DomainService) Delete(ctx context.Context, actor *domain.User, id string) error {
	if actor != nil && !s.auth.CanChangeDomain(actor) {
		return domain.Permission("not allowed to delete domains")
	}
	return s.store.Transaction(ctx, func(tx storage.Store) error {
		d, err := tx.GetDomain(id)
		if err != nil {
			return storeError(err, "id", "domain")
		}
		if err := s.checkManage(tx, actor, d); err != nil {
			return err
		}
		ev := &engine.Event{Kind: engine.DomainPreDelete, Actor: actor, Domain: d}
		if err := s.engine.Fire(ctx, tx, ev); err != nil {
			return err
		}
		if err := tx.DeleteDomain(d.ID); err != nil {
			return storeError(err, "id", "domain")
		}
		s.log.Info("domain deleted", zap.String("domain", d.Name))
		return nil
	})
}

// Get 根据 ID 获取域名
func (s *DomainService) Get(id string) (*domain.Domain, error) {
	d, err := s.store.GetDomain(id)
	return d, storeError(err, "id", "domain")
}

// GetByName 根据名称获取域名
func (s *DomainService) GetByName(name string) (*domain.Domain, error) {
	d, err := s.store.GetDomainByName(domain.NormalizeAddress(name))
	return d, storeError(err, "name", "domain")
}

// List 返回用户可管理的域名
func (s *DomainService) List(actor *domain.User) ([]*domain.Domain, error) {
	if actor == nil {
		return s.store.ListDomains()
	}
	return s.engine.Propagator().DomainsFor(s.store, actor)
}

func (s *DomainService) checkManage(st storage.Store, actor *domain.User, d *domain.Domain) error {
	return checkDomainAccess(s.auth, st, actor, d)
}

// DomainAliasService 封装域名别名业务操作。
type DomainAliasService struct {
	store     storage.Store
	engine    *engine.Engine
	domains   *DomainService
	validator *domain.EmailValidator
}

// NewDomainAliasService 创建域名别名业务服务。
func NewDomainAliasService(store storage.Store, eng *engine.Engine, domains *DomainService) *DomainAliasService {
	return &DomainAliasService{
		store:     store,
		engine:    eng,
		domains:   domains,
		validator: domain.NewEmailValidator(),
	}
}

// Create 为目标域名添加域名别名，并建立 @alias -> @target 映射
func (s *DomainAliasService) Create(ctx context.Context, actor *domain.User, name, target string, enabled bool) (*domain.DomainAlias, error) {
	name = domain.NormalizeAddress(name)
	if err := s.validator.ValidateDomain(name); err != nil {
		return nil, domain.Validation("name", err.Error())
	}

	da := &domain.DomainAlias{Name: name, Enabled: enabled}
	err := s.store.Transaction(ctx, func(tx storage.Store) error {
		d, err := tx.GetDomainByName(domain.NormalizeAddress(target))
		if err != nil {
			return storeError(err, "target", "domain")
		}
		if err := s.domains.checkManage(tx, actor, d); err != nil {
			return err
		}
		if err := checkNamespace(tx, name); err != nil {
			return err
		}
		da.TargetID = d.ID
		return s.engine.CreateDomainAlias(ctx, tx, actor, da, d)
	})
	if err != nil {
		return nil, storeError(err, "name", "domain alias")
	}
	return da, nil
}

// Delete 删除域名别名及其映射
func (s *DomainAliasService) Delete(ctx context.Context, actor *domain.User, id string) error {
	return s.store.Transaction(ctx, func(tx storage.Store) error {
		da, err := tx.GetDomainAlias(id)
		if err != nil {
			return storeError(err, "id", "domain alias")
		}
		target, err := tx.GetDomain(da.TargetID)
		if err != nil {
			return storeError(err, "target", "domain")
		}
		if err := s.domains.checkManage(tx, actor, target); err != nil {
			return err
		}
		return s.engine.DeleteDomainAlias(ctx, tx, actor, da)
	})
}

// List 返回全部域名别名
func (s *DomainAliasService) List() ([]*domain.DomainAlias, error) {
	return s.store.ListDomainAliases()
}
