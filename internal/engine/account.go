package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/params"
	"mailadmin/backend/internal/storage"
)

// autoProvisionAccount 外部创建的账户自动获得域名和邮箱
func (e *Engine) autoProvisionAccount(ctx context.Context, tx storage.Store, ev *Event) error {
	if !params.Bool(e.params, domain.ParamAutoCreateDomainAndMailbox) {
		return nil
	}
	u := ev.User
	local, domName, ok := domain.SplitMailbox(domain.NormalizeAddress(u.Username))
	if !ok || local == "" || domName == "" {
		return nil
	}

	superusers, err := tx.ListSuperusers()
	if err != nil {
		return fmt.Errorf("list superusers: %w", err)
	}
	var creator *domain.User
	var others []*domain.User
	if len(superusers) > 0 {
		creator, others = superusers[0], superusers[1:]
	}

	d, err := tx.GetDomainByName(domName)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if _, err := tx.GetDomainAliasByName(domName); err == nil {
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		d = &domain.Domain{Name: domName, Enabled: true}
		if err := e.CreateDomain(ctx, tx, creator, d); err != nil {
			return err
		}
		if err := e.grantOthers(tx, others, domain.Ref(domain.ObjectDomain, d.ID)); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	if _, err := tx.GetMailboxByUserID(u.ID); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if _, err := tx.GetMailboxByAddress(local, d.ID); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	mb := &domain.Mailbox{Address: local, DomainID: d.ID, UserID: u.ID}
	if err := mb.SetQuota(d, 0, true); err != nil {
		return err
	}
	if err := e.CreateMailbox(ctx, tx, creator, mb, d); err != nil {
		return err
	}
	u.Email = mb.FullAddress(d.Name)
	if err := tx.SaveUser(u); err != nil {
		return fmt.Errorf("save account %s: %w", u.Username, err)
	}
	if err := e.grantOthers(tx, others, domain.Ref(domain.ObjectMailbox, mb.ID)); err != nil {
		return err
	}

	e.log.Info("account provisioned",
		zap.String("user", u.Username),
		zap.String("domain", d.Name),
	)
	return nil
}

func (e *Engine) grantOthers(tx storage.Store, users []*domain.User, ref domain.ObjectRef) error {
	for _, u := range users {
		if err := e.propagator.Grant(tx, u.ID, ref); err != nil {
			return err
		}
	}
	return nil
}

// disableSoleAliases 账户停用时，禁用以其邮箱为唯一接收者的别名
func (e *Engine) disableSoleAliases(_ context.Context, tx storage.Store, ev *Event) error {
	u, prev := ev.User, ev.PreviousUser
	if u.IsActive || (prev != nil && !prev.IsActive) {
		return nil
	}

	mb, err := tx.GetMailboxByUserID(u.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	recipients, err := tx.ListRecipientsByMailbox(mb.ID)
	if err != nil {
		return err
	}
	for _, r := range recipients {
		count, err := tx.CountAliasRecipients(r.AliasID)
		if err != nil {
			return err
		}
		if count != 1 {
			continue
		}
		alias, err := tx.GetAlias(r.AliasID)
		if err != nil {
			return err
		}
		if !alias.Enabled {
			continue
		}
		alias.Enabled = false
		if err := tx.SaveAlias(alias); err != nil {
			return fmt.Errorf("disable alias %s: %w", alias.Address, err)
		}
	}
	return nil
}

// grantAllOnElevation 提升为超级管理员时授予全部对象访问权
func (e *Engine) grantAllOnElevation(_ context.Context, tx storage.Store, ev *Event) error {
	if ev.User.Role != domain.RoleSuperAdmins {
		return nil
	}
	return e.propagator.GrantAll(tx, ev.User)
}
