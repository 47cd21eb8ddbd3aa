package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage"
)

// propagateDomainRename 域名更新后重置继承配额；改名时迁移用量记录、邮箱目录和别名地址
func (e *Engine) propagateDomainRename(ctx context.Context, tx storage.Store, ev *Event) error {
	d := ev.Domain
	if _, err := tx.ResetDomainQuota(d.ID, d.DefaultMailboxQuota); err != nil {
		return fmt.Errorf("reset mailbox quotas: %w", err)
	}

	rename := ev.DomainRename
	if rename == nil || rename.OldName == "" || rename.OldName == d.Name {
		return nil
	}
	oldName, newName := rename.OldName, d.Name

	if err := e.migrateDomainQuotas(tx, oldName, newName); err != nil {
		return err
	}

	mailboxes, err := tx.ListMailboxesByDomain(d.ID)
	if err != nil {
		return fmt.Errorf("list mailboxes: %w", err)
	}
	if e.HandleMailboxes() {
		for _, mb := range mailboxes {
			oldHome, ok := rename.OldMailHomes[mb.ID]
			if !ok || oldHome == "" {
				continue
			}
			newHome := e.homes.HomePath(newName, mb.Address)
			if err := e.homes.RenameDirectory(ctx, mb.ID, oldHome, newHome); err != nil {
				return fmt.Errorf("rename home of %s: %w", mb.FullAddress(newName), err)
			}
		}
	}

	aliases, err := tx.ListAliasesByDomain(d.ID)
	if err != nil {
		return fmt.Errorf("list aliases: %w", err)
	}
	for _, alias := range aliases {
		alias.Address = domain.ReplaceDomain(alias.Address, newName)
		if err := tx.SaveAlias(alias); err != nil {
			return fmt.Errorf("rename alias %s: %w", alias.Address, err)
		}
	}

	for _, mb := range mailboxes {
		recipients, err := tx.ListRecipientsByMailbox(mb.ID)
		if err != nil {
			return err
		}
		for _, r := range recipients {
			r.Address = mb.FullAddress(newName)
			if err := tx.SaveAliasRecipient(r); err != nil {
				return fmt.Errorf("rename recipient %s: %w", r.Address, err)
			}
		}
		if err := renameOwner(tx, mb, oldName, newName); err != nil {
			return err
		}
	}

	return e.retargetDomainAliasProjections(tx, d, oldName)
}

// renameOwner 账户的邮箱地址和同名登录名跟随域名改名
func renameOwner(tx storage.Store, mb *domain.Mailbox, oldName, newName string) error {
	owner, err := tx.GetUser(mb.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	oldAddr, newAddr := mb.FullAddress(oldName), mb.FullAddress(newName)
	changed := false
	if owner.Email == oldAddr {
		owner.Email, changed = newAddr, true
	}
	if owner.Username == oldAddr {
		owner.Username, changed = newAddr, true
	}
	if !changed {
		return nil
	}
	return tx.SaveUser(owner)
}

// migrateDomainQuotas 复制用量记录到新地址后删除旧记录
func (e *Engine) migrateDomainQuotas(tx storage.Store, oldName, newName string) error {
	suffix := "@" + oldName
	quotas, err := tx.ListQuotasContaining(suffix)
	if err != nil {
		return fmt.Errorf("list quotas: %w", err)
	}
	for _, q := range quotas {
		if !strings.HasSuffix(q.Username, suffix) {
			continue
		}
		migrated := &domain.Quota{
			Username: domain.ReplaceDomain(q.Username, newName),
			Bytes:    q.Bytes,
			Messages: q.Messages,
		}
		if err := tx.SaveQuota(migrated); err != nil {
			return fmt.Errorf("copy quota %s: %w", q.Username, err)
		}
		if err := tx.DeleteQuota(q.Username); err != nil {
			return fmt.Errorf("delete quota %s: %w", q.Username, err)
		}
	}
	return nil
}

// retargetDomainAliasProjections 指向改名域名的域名别名映射改用新名称
func (e *Engine) retargetDomainAliasProjections(tx storage.Store, d *domain.Domain, oldName string) error {
	domainAliases, err := tx.ListDomainAliasesByTarget(d.ID)
	if err != nil {
		return fmt.Errorf("list domain aliases: %w", err)
	}
	for _, da := range domainAliases {
		alias, err := tx.GetAliasByAddress("@" + da.Name)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		recipients, err := tx.ListAliasRecipients(alias.ID)
		if err != nil {
			return err
		}
		for _, r := range recipients {
			if r.Address != "@"+oldName {
				continue
			}
			r.Address = "@" + d.Name
			if err := tx.SaveAliasRecipient(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// scheduleDKIMKeys 启用 DKIM 的域名投递密钥任务，投递失败只记录日志
func (e *Engine) scheduleDKIMKeys(ctx context.Context, _ storage.Store, ev *Event) error {
	d := ev.Domain
	if !d.EnableDKIM || e.dispatcher == nil {
		return nil
	}
	err := e.dispatcher.Enqueue(ctx, e.dkimQueue, ManageDKIMKeysTask, map[string]string{"domain": d.Name})
	if err != nil {
		e.log.Warn("failed to schedule dkim key task",
			zap.String("domain", d.Name),
			zap.String("queue", e.dkimQueue),
			zap.Error(err),
		)
	}
	return nil
}

// cleanupDomain 域名删除前清理其下全部对象
func (e *Engine) cleanupDomain(ctx context.Context, tx storage.Store, ev *Event) error {
	d := ev.Domain

	mailboxes, err := tx.ListMailboxesByDomain(d.ID)
	if err != nil {
		return fmt.Errorf("list mailboxes: %w", err)
	}
	for _, mb := range mailboxes {
		if err := e.DeleteMailbox(ctx, tx, ev.Actor, mb, d); err != nil {
			return err
		}
		if err := e.removeMailboxOwner(tx, mb); err != nil {
			return err
		}
	}

	domainAliases, err := tx.ListDomainAliasesByTarget(d.ID)
	if err != nil {
		return fmt.Errorf("list domain aliases: %w", err)
	}
	for _, da := range domainAliases {
		if err := e.DeleteDomainAlias(ctx, tx, ev.Actor, da); err != nil {
			return err
		}
	}

	aliases, err := tx.ListAliasesByDomain(d.ID)
	if err != nil {
		return fmt.Errorf("list aliases: %w", err)
	}
	for _, alias := range aliases {
		if err := tx.DeleteAlias(alias.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete alias %s: %w", alias.Address, err)
		}
		if err := e.propagator.RevokeAll(tx, domain.Ref(domain.ObjectAlias, alias.ID)); err != nil {
			return err
		}
	}

	if err := e.propagator.RevokeAll(tx, domain.Ref(domain.ObjectDomain, d.ID)); err != nil {
		return err
	}

	suffix := "@" + d.Name
	quotas, err := tx.ListQuotasContaining(suffix)
	if err != nil {
		return err
	}
	for _, q := range quotas {
		if strings.HasSuffix(q.Username, suffix) {
			if err := tx.DeleteQuota(q.Username); err != nil {
				return err
			}
		}
	}
	return nil
}

// removeMailboxOwner 普通用户随邮箱一起删除，管理员账户保留
func (e *Engine) removeMailboxOwner(tx storage.Store, mb *domain.Mailbox) error {
	owner, err := tx.GetUser(mb.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !owner.IsLowestTier() || owner.IsSuperuser {
		return nil
	}
	if _, err := tx.RevokeUserAccess(owner.ID); err != nil {
		return err
	}
	if err := e.propagator.RevokeAll(tx, domain.Ref(domain.ObjectUser, owner.ID)); err != nil {
		return err
	}
	if err := tx.DeleteUser(owner.ID); err != nil {
		return fmt.Errorf("delete account %s: %w", owner.Username, err)
	}
	return nil
}

// projectDomainAlias 为域名别名建立内部映射别名 @alias -> @target
func (e *Engine) projectDomainAlias(_ context.Context, tx storage.Store, ev *Event) error {
	da, target := ev.DomainAlias, ev.Domain
	if target == nil {
		t, err := tx.GetDomain(da.TargetID)
		if err != nil {
			return fmt.Errorf("load target domain: %w", err)
		}
		target = t
	}

	alias, _, err := tx.GetOrCreateAlias(&domain.Alias{
		Address:  "@" + da.Name,
		Enabled:  true,
		Internal: true,
	})
	if err != nil {
		return fmt.Errorf("create projection alias: %w", err)
	}

	recipients, err := tx.ListAliasRecipients(alias.ID)
	if err != nil {
		return err
	}
	targetAddr := "@" + target.Name
	for _, r := range recipients {
		if r.Address == targetAddr {
			return nil
		}
	}
	return tx.SaveAliasRecipient(&domain.AliasRecipient{Address: targetAddr, AliasID: alias.ID})
}

// removeDomainAliasProjection 删除域名别名的内部映射别名
func (e *Engine) removeDomainAliasProjection(_ context.Context, tx storage.Store, ev *Event) error {
	alias, err := tx.GetAliasByAddress("@" + ev.DomainAlias.Name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !alias.Internal {
		return nil
	}
	if err := tx.DeleteAlias(alias.ID); err != nil {
		return fmt.Errorf("delete projection alias: %w", err)
	}
	return nil
}
