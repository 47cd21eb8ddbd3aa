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

// createSelfAlias 新邮箱建立内部自身别名，启用状态跟随账户
func (e *Engine) createSelfAlias(_ context.Context, tx storage.Store, ev *Event) error {
	mb, dom := ev.Mailbox, ev.MailboxDomain
	full := mb.FullAddress(dom.Name)

	enabled := true
	owner, err := tx.GetUser(mb.UserID)
	switch {
	case err == nil:
		enabled = owner.IsActive
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	domainID := dom.ID
	alias, _, err := tx.GetOrCreateAlias(&domain.Alias{
		Address:  full,
		DomainID: &domainID,
		Enabled:  enabled,
		Internal: true,
	})
	if err != nil {
		return fmt.Errorf("create self alias %s: %w", full, err)
	}

	recipients, err := tx.ListAliasRecipients(alias.ID)
	if err != nil {
		return err
	}
	for _, r := range recipients {
		if r.PointsTo(mb.ID) {
			return nil
		}
	}
	mailboxID := mb.ID
	return tx.SaveAliasRecipient(&domain.AliasRecipient{
		Address:    full,
		AliasID:    alias.ID,
		RMailboxID: &mailboxID,
	})
}

// renameSelfAlias 邮箱地址变化后改写自身别名及指向该邮箱的外部接收者
func (e *Engine) renameSelfAlias(_ context.Context, tx storage.Store, ev *Event) error {
	rename := ev.MailboxRename
	if !rename.Changed() {
		return nil
	}
	mb := ev.Mailbox
	oldAddr, newAddr := rename.OldFullAddress, rename.NewFullAddress

	alias, err := tx.GetAliasByAddress(oldAddr)
	if err != nil {
		return fmt.Errorf("self alias %s: %w", oldAddr, err)
	}
	if !alias.Internal {
		return fmt.Errorf("self alias %s: %w", oldAddr, storage.ErrNotFound)
	}
	recipients, err := tx.ListAliasRecipients(alias.ID)
	if err != nil {
		return err
	}
	var self *domain.AliasRecipient
	for _, r := range recipients {
		if r.Address == oldAddr && r.PointsTo(mb.ID) {
			self = r
			break
		}
	}
	if self == nil {
		return fmt.Errorf("self alias recipient %s: %w", oldAddr, storage.ErrNotFound)
	}

	domainID := mb.DomainID
	alias.Address = newAddr
	alias.DomainID = &domainID
	if err := tx.SaveAlias(alias); err != nil {
		return fmt.Errorf("rename self alias to %s: %w", newAddr, err)
	}
	self.Address = newAddr
	if err := tx.SaveAliasRecipient(self); err != nil {
		return err
	}

	linked, err := tx.ListRecipientsByMailbox(mb.ID)
	if err != nil {
		return err
	}
	for _, r := range linked {
		if r.ID == self.ID {
			continue
		}
		owner, err := tx.GetAlias(r.AliasID)
		if err != nil {
			return err
		}
		if owner.Internal {
			continue
		}
		r.Address = newAddr
		if err := tx.SaveAliasRecipient(r); err != nil {
			return err
		}
	}
	return nil
}

// migrateMailboxQuota 用量记录随邮箱地址迁移，先复制再删除
func (e *Engine) migrateMailboxQuota(_ context.Context, tx storage.Store, ev *Event) error {
	rename := ev.MailboxRename
	if !rename.Changed() {
		return nil
	}
	q, err := tx.GetQuota(rename.OldFullAddress)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	migrated := &domain.Quota{Username: rename.NewFullAddress, Bytes: q.Bytes, Messages: q.Messages}
	if err := tx.SaveQuota(migrated); err != nil {
		return fmt.Errorf("copy quota to %s: %w", rename.NewFullAddress, err)
	}
	return tx.DeleteQuota(rename.OldFullAddress)
}

// renameMailboxHome 邮箱地址变化后移动邮箱目录
func (e *Engine) renameMailboxHome(ctx context.Context, _ storage.Store, ev *Event) error {
	rename := ev.MailboxRename
	if !rename.Changed() || rename.OldHome == "" || !e.HandleMailboxes() {
		return nil
	}
	newHome := rename.NewHome
	if newHome == "" {
		newHome = e.homes.HomePath(ev.MailboxDomain.Name, ev.Mailbox.Address)
	}
	if newHome == rename.OldHome {
		return nil
	}
	return e.homes.RenameDirectory(ctx, ev.Mailbox.ID, rename.OldHome, newHome)
}

// cleanupMailboxReferences 邮箱删除前撤销授权、清理接收者与孤立别名、删除用量记录和目录
func (e *Engine) cleanupMailboxReferences(ctx context.Context, tx storage.Store, ev *Event) error {
	mb, dom := ev.Mailbox, ev.MailboxDomain
	full := mb.FullAddress(dom.Name)

	if err := e.propagator.RevokeAll(tx, domain.Ref(domain.ObjectMailbox, mb.ID)); err != nil {
		return err
	}

	recipients, err := tx.ListRecipientsByMailbox(mb.ID)
	if err != nil {
		return err
	}
	for _, r := range recipients {
		if err := tx.DeleteAliasRecipient(r.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		if err := e.deleteIfOrphan(tx, r.AliasID); err != nil {
			return err
		}
	}

	if err := tx.DeleteQuota(full); err != nil {
		return fmt.Errorf("delete quota %s: %w", full, err)
	}

	if !e.shouldDeleteDirectory(ctx) {
		return nil
	}
	home := e.homes.HomePath(dom.Name, mb.Address)
	if err := e.homes.DeleteDirectory(ctx, mb.ID, home); err != nil {
		return fmt.Errorf("delete home of %s: %w", full, err)
	}
	return nil
}

// deleteIfOrphan 别名没有接收者时删除
func (e *Engine) deleteIfOrphan(tx storage.Store, aliasID string) error {
	remaining, err := tx.CountAliasRecipients(aliasID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	if err := tx.DeleteAlias(aliasID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	e.log.Debug("orphan alias removed", zap.String("alias_id", aliasID))
	return e.propagator.RevokeAll(tx, domain.Ref(domain.ObjectAlias, aliasID))
}

// shouldDeleteDirectory 全局参数决定是否管理目录，请求可以额外要求保留
func (e *Engine) shouldDeleteDirectory(ctx context.Context) bool {
	if !e.HandleMailboxes() {
		return false
	}
	req, ok := RequestFrom(ctx)
	if !ok {
		return true
	}
	if req.KeepDir {
		return false
	}
	if req.Params != nil && !params.Bool(req.Params, domain.ParamHandleMailboxes) {
		return false
	}
	return true
}

// removeSelfAlias 邮箱删除后移除残留的自身别名
func (e *Engine) removeSelfAlias(_ context.Context, tx storage.Store, ev *Event) error {
	full := ev.Mailbox.FullAddress(ev.MailboxDomain.Name)
	alias, err := tx.GetAliasByAddress(full)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !alias.Internal {
		return nil
	}
	if err := tx.DeleteAlias(alias.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return e.propagator.RevokeAll(tx, domain.Ref(domain.ObjectAlias, alias.ID))
}
