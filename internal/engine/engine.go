package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/logger"
	"mailadmin/backend/internal/params"
	"mailadmin/backend/internal/permission"
	"mailadmin/backend/internal/storage"
)

// ManageDKIMKeysTask 异步 DKIM 密钥任务名
const ManageDKIMKeysTask = "manage_dkim_keys"

// Dispatcher 异步任务投递，至少一次语义
type Dispatcher interface {
	Enqueue(ctx context.Context, queue, task string, args map[string]string) error
}

// MailHomes 邮箱目录的文件系统操作
type MailHomes interface {
	HomePath(domainName, localPart string) string
	RenameDirectory(ctx context.Context, mailboxID, oldPath, newPath string) error
	DeleteDirectory(ctx context.Context, mailboxID, path string) error
}

// Deps 引擎依赖
type Deps struct {
	// Params 全局参数
	Params     params.Source
	Dispatcher Dispatcher
	// Homes 为 nil 时跳过全部目录操作
	Homes      MailHomes
	Propagator *permission.Propagator
	DKIMQueue  string
	Log        *zap.Logger
}

// Engine 一致性引擎：实体变更后在同一事务内同步执行的反应器集合
type Engine struct {
	params     params.Source
	dispatcher Dispatcher
	homes      MailHomes
	propagator *permission.Propagator
	dkimQueue  string
	log        *zap.Logger

	reg *Registry
}

// New 创建一致性引擎
func New(deps Deps) *Engine {
	propagator := deps.Propagator
	if propagator == nil {
		propagator = permission.NewPropagator(nil, deps.Log)
	}
	queue := deps.DKIMQueue
	if queue == "" {
		queue = "dkim"
	}
	return &Engine{
		params:     deps.Params,
		dispatcher: deps.Dispatcher,
		homes:      deps.Homes,
		propagator: propagator,
		dkimQueue:  queue,
		log:        logger.OrNop(deps.Log),
	}
}

// Register 把全部反应器按固定顺序登记到注册表
func (e *Engine) Register(reg *Registry) {
	e.reg = reg

	reg.On(DomainCreated, "schedule_dkim_keys", e.scheduleDKIMKeys)
	reg.On(DomainUpdated, "propagate_domain_rename", e.propagateDomainRename)
	reg.On(DomainUpdated, "schedule_dkim_keys", e.scheduleDKIMKeys)
	reg.On(DomainPreDelete, "cleanup_domain", e.cleanupDomain)

	reg.On(DomainAliasCreated, "project_domain_alias", e.projectDomainAlias)
	reg.On(DomainAliasDeleted, "remove_domain_alias_projection", e.removeDomainAliasProjection)

	reg.On(MailboxCreated, "create_self_alias", e.createSelfAlias)
	reg.On(MailboxUpdated, "rename_self_alias", e.renameSelfAlias)
	reg.On(MailboxUpdated, "migrate_mailbox_quota", e.migrateMailboxQuota)
	reg.On(MailboxUpdated, "rename_mailbox_home", e.renameMailboxHome)
	reg.On(MailboxPreDelete, "cleanup_mailbox_references", e.cleanupMailboxReferences)
	reg.On(MailboxPostDelete, "remove_self_alias", e.removeSelfAlias)

	reg.On(AccountAutoCreated, "auto_provision_account", e.autoProvisionAccount)
	reg.On(AccountUpdated, "disable_sole_aliases", e.disableSoleAliases)
	reg.On(AccountRoleChanged, "grant_all_on_elevation", e.grantAllOnElevation)
}

// Fire 触发事件
func (e *Engine) Fire(ctx context.Context, tx storage.Store, ev *Event) error {
	if e.reg == nil {
		return errors.New("engine: reactors not registered")
	}
	return e.reg.Fire(ctx, tx, ev)
}

// Propagator 返回授权传播器
func (e *Engine) Propagator() *permission.Propagator {
	return e.propagator
}

// Homes 返回邮箱目录协作者，可能为 nil
func (e *Engine) Homes() MailHomes {
	return e.homes
}

// HandleMailboxes 全局是否管理邮箱目录
func (e *Engine) HandleMailboxes() bool {
	return e.homes != nil && params.Bool(e.params, domain.ParamHandleMailboxes)
}

// HomePath 返回邮箱目录，未配置目录协作者时为空
func (e *Engine) HomePath(domainName, localPart string) string {
	if e.homes == nil {
		return ""
	}
	return e.homes.HomePath(domainName, localPart)
}

// CreateDomain 保存新域名并触发 domain.created，创建者成为所有者
func (e *Engine) CreateDomain(ctx context.Context, tx storage.Store, actor *domain.User, d *domain.Domain) error {
	if err := tx.SaveDomain(d); err != nil {
		return fmt.Errorf("save domain %s: %w", d.Name, err)
	}
	if err := e.Fire(ctx, tx, &Event{Kind: DomainCreated, Actor: actor, Domain: d}); err != nil {
		return err
	}
	return e.propagator.OnCreated(tx, actor, domain.Ref(domain.ObjectDomain, d.ID), "")
}

// CreateDomainAlias 保存域名别名并建立映射别名
func (e *Engine) CreateDomainAlias(ctx context.Context, tx storage.Store, actor *domain.User, da *domain.DomainAlias, target *domain.Domain) error {
	if err := tx.SaveDomainAlias(da); err != nil {
		return fmt.Errorf("save domain alias %s: %w", da.Name, err)
	}
	ev := &Event{Kind: DomainAliasCreated, Actor: actor, DomainAlias: da, Domain: target}
	if err := e.Fire(ctx, tx, ev); err != nil {
		return err
	}
	return e.propagator.OnCreated(tx, actor, domain.Ref(domain.ObjectDomainAlias, da.ID), target.ID)
}

// DeleteDomainAlias 删除域名别名及其映射别名
func (e *Engine) DeleteDomainAlias(ctx context.Context, tx storage.Store, actor *domain.User, da *domain.DomainAlias) error {
	if err := tx.DeleteDomainAlias(da.ID); err != nil {
		return fmt.Errorf("delete domain alias %s: %w", da.Name, err)
	}
	if err := e.Fire(ctx, tx, &Event{Kind: DomainAliasDeleted, Actor: actor, DomainAlias: da}); err != nil {
		return err
	}
	return e.propagator.RevokeAll(tx, domain.Ref(domain.ObjectDomainAlias, da.ID))
}

// CreateMailbox 保存新邮箱，建立自身别名并授权
func (e *Engine) CreateMailbox(ctx context.Context, tx storage.Store, actor *domain.User, mb *domain.Mailbox, dom *domain.Domain) error {
	if err := tx.SaveMailbox(mb); err != nil {
		return fmt.Errorf("save mailbox %s: %w", mb.FullAddress(dom.Name), err)
	}
	ev := &Event{Kind: MailboxCreated, Actor: actor, Mailbox: mb, MailboxDomain: dom}
	if err := e.Fire(ctx, tx, ev); err != nil {
		return err
	}
	return e.propagator.OnCreated(tx, actor, domain.Ref(domain.ObjectMailbox, mb.ID), dom.ID)
}

// DeleteMailbox 删除邮箱：前置清理、删除记录、移除自身别名，最后清空账户邮箱地址
func (e *Engine) DeleteMailbox(ctx context.Context, tx storage.Store, actor *domain.User, mb *domain.Mailbox, dom *domain.Domain) error {
	pre := &Event{Kind: MailboxPreDelete, Actor: actor, Mailbox: mb, MailboxDomain: dom}
	if err := e.Fire(ctx, tx, pre); err != nil {
		return err
	}
	if err := tx.DeleteMailbox(mb.ID); err != nil {
		return fmt.Errorf("delete mailbox %s: %w", mb.FullAddress(dom.Name), err)
	}
	post := &Event{Kind: MailboxPostDelete, Actor: actor, Mailbox: mb, MailboxDomain: dom}
	if err := e.Fire(ctx, tx, post); err != nil {
		return err
	}

	owner, err := tx.GetUser(mb.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner.Email == mb.FullAddress(dom.Name) {
		owner.Email = ""
		return tx.SaveUser(owner)
	}
	return nil
}
