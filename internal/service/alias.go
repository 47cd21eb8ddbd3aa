package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/engine"
	"mailadmin/backend/internal/logger"
	"mailadmin/backend/internal/permission"
	"mailadmin/backend/internal/storage"
)

// ErrInternalAlias 系统维护的别名不允许直接修改
var ErrInternalAlias = domain.Permission("internal aliases are managed by the system")

// AliasService 封装用户别名（转发、分发列表）处理逻辑。
type AliasService struct {
	store      storage.Store
	propagator *permission.Propagator
	auth       *permission.Authorizer
	validator  *domain.EmailValidator
	log        *zap.Logger
}

// NewAliasService 创建别名业务服务。
func NewAliasService(store storage.Store, eng *engine.Engine, log *zap.Logger) *AliasService {
	return &AliasService{
		store:      store,
		propagator: eng.Propagator(),
		auth:       eng.Propagator().Authorizer(),
		validator:  domain.NewEmailValidator(),
		log:        logger.OrNop(log),
	}
}

// CreateAliasInput 定义创建别名的输入。
type CreateAliasInput struct {
	Address     string // 完整地址，或 @domain 形式的全域转发
	Recipients  []string
	Enabled     bool
	Description string
}

// Create 创建用户别名，至少需要一个接收者
func (s *AliasService) Create(ctx context.Context, actor *domain.User, input CreateAliasInput) (*domain.Alias, error) {
	address := domain.NormalizeAddress(input.Address)
	local, domName, ok := domain.SplitMailbox(address)
	if !ok || domName == "" {
		return nil, domain.Validation("address", fmt.Sprintf("invalid address %q", input.Address))
	}
	if local != "" {
		if err := s.validator.ValidateLocalPart(local); err != nil {
			return nil, domain.Validation("address", err.Error())
		}
	}
	recipients, err := s.normalizeRecipients(input.Recipients)
	if err != nil {
		return nil, err
	}

	var created *domain.Alias
	err = s.store.Transaction(ctx, func(tx storage.Store) error {
		d, err := tx.GetDomainByName(domName)
		if err != nil {
			return storeError(err, "address", "domain "+domName)
		}
		if err := checkDomainAccess(s.auth, tx, actor, d); err != nil {
			return err
		}
		_, err = tx.GetAliasByAddress(address)
		if found, err := exists(err); err != nil {
			return err
		} else if found {
			return domain.Conflict("address", fmt.Sprintf("alias %s already exists", address))
		}

		domainID := d.ID
		alias := &domain.Alias{
			Address:     address,
			DomainID:    &domainID,
			Enabled:     input.Enabled,
			Description: input.Description,
		}
		if err := tx.SaveAlias(alias); err != nil {
			return storeError(err, "address", "alias")
		}
		if err := s.addRecipients(tx, alias, recipients); err != nil {
			return err
		}
		if err := s.propagator.OnCreated(tx, actor, domain.Ref(domain.ObjectAlias, alias.ID), d.ID); err != nil {
			return err
		}
		created = alias
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("alias created", zap.String("alias", address), zap.Int("recipients", len(recipients)))
	return created, nil
}

func (s *AliasService) normalizeRecipients(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	recipients := make([]string, 0, len(raw))
	for _, r := range raw {
		r = domain.NormalizeAddress(r)
		if r == "" {
			continue
		}
		if err := s.validator.ValidateEmail(r); err != nil {
			return nil, domain.Validation("recipients", fmt.Sprintf("invalid recipient %q", r))
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		recipients = append(recipients, r)
	}
	if len(recipients) == 0 {
		return nil, domain.Validation("recipients", "at least one recipient is required")
	}
	return recipients, nil
}

// addRecipients 写入接收者，指向本地邮箱的接收者记录邮箱引用
func (s *AliasService) addRecipients(tx storage.Store, alias *domain.Alias, recipients []string) error {
	for _, addr := range recipients {
		r := &domain.AliasRecipient{Address: addr, AliasID: alias.ID}
		mb, err := localMailbox(tx, addr)
		if err != nil {
			return err
		}
		if mb != nil {
			id := mb.ID
			r.RMailboxID = &id
		}
		if err := tx.SaveAliasRecipient(r); err != nil {
			return fmt.Errorf("save recipient %s: %w", addr, err)
		}
	}
	return nil
}

func localMailbox(tx storage.Store, address string) (*domain.Mailbox, error) {
	local, domName, ok := domain.SplitMailbox(address)
	if !ok || local == "" || domName == "" {
		return nil, nil
	}
	d, err := tx.GetDomainByName(domName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	mb, err := tx.GetMailboxByAddress(local, d.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return mb, err
}

// editable 加载别名并检查可编辑性
func (s *AliasService) editable(tx storage.Store, actor *domain.User, id string) (*domain.Alias, error) {
	alias, err := tx.GetAlias(id)
	if err != nil {
		return nil, storeError(err, "id", "alias")
	}
	if alias.Internal {
		return nil, ErrInternalAlias
	}
	if actor != nil {
		ok, err := s.auth.CanAccess(tx, actor, domain.Ref(domain.ObjectAlias, alias.ID))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.Permission(fmt.Sprintf("no access to alias %s", alias.Address))
		}
	}
	return alias, nil
}

// SetRecipients 替换别名的全部接收者
func (s *AliasService) SetRecipients(ctx context.Context, actor *domain.User, id string, raw []string) error {
	recipients, err := s.normalizeRecipients(raw)
	if err != nil {
		return err
	}
	return s.store.Transaction(ctx, func(tx storage.Store) error {
		alias, err := s.editable(tx, actor, id)
		if err != nil {
			return err
		}
		current, err := tx.ListAliasRecipients(alias.ID)
		if err != nil {
			return err
		}
		for _, r := range current {
			if err := tx.DeleteAliasRecipient(r.ID); err != nil {
				return err
			}
		}
		return s.addRecipients(tx, alias, recipients)
	})
}

// SetEnabled 启用或禁用别名
func (s *AliasService) SetEnabled(ctx context.Context, actor *domain.User, id string, enabled bool) error {
	return s.store.Transaction(ctx, func(tx storage.Store) error {
		alias, err := s.editable(tx, actor, id)
		if err != nil {
			return err
		}
		alias.Enabled = enabled
		return tx.SaveAlias(alias)
	})
}

// Delete 删除用户别名
func (s *AliasService) Delete(ctx context.Context, actor *domain.User, id string) error {
	return s.store.Transaction(ctx, func(tx storage.Store) error {
		alias, err := s.editable(tx, actor, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteAlias(alias.ID); err != nil {
			return storeError(err, "id", "alias")
		}
		return s.propagator.RevokeAll(tx, domain.Ref(domain.ObjectAlias, alias.ID))
	})
}

// Get 获取别名详情
func (s *AliasService) Get(id string) (*domain.Alias, error) {
	alias, err := s.store.GetAlias(id)
	return alias, storeError(err, "id", "alias")
}

// Recipients 返回别名的接收者地址
func (s *AliasService) Recipients(id string) ([]string, error) {
	recipients, err := s.store.ListAliasRecipients(id)
	if err != nil {
		return nil, err
	}
	addresses := make([]string, 0, len(recipients))
	for _, r := range recipients {
		addresses = append(addresses, r.Address)
	}
	return addresses, nil
}

// ListByDomain 列出域名下的用户别名
func (s *AliasService) ListByDomain(domainID string) ([]*domain.Alias, error) {
	aliases, err := s.store.ListAliasesByDomain(domainID)
	if err != nil {
		return nil, err
	}
	visible := aliases[:0]
	for _, a := range aliases {
		if !a.Internal {
			visible = append(visible, a)
		}
	}
	return visible, nil
}
