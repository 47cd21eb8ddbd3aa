package storage

import (
	"context"
	"errors"

	"mailadmin/backend/internal/domain"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists 唯一键冲突
	ErrAlreadyExists = errors.New("record already exists")
)

// DomainRepository 定义域名数据存取操作。
type DomainRepository interface {
	SaveDomain(d *domain.Domain) error
	GetDomain(id string) (*domain.Domain, error)
	GetDomainByName(name string) (*domain.Domain, error)
	ListDomains() ([]*domain.Domain, error)
	DeleteDomain(id string) error
}

// DomainAliasRepository 定义域名别名数据存取操作。
type DomainAliasRepository interface {
	SaveDomainAlias(da *domain.DomainAlias) error
	GetDomainAlias(id string) (*domain.DomainAlias, error)
	GetDomainAliasByName(name string) (*domain.DomainAlias, error)
	ListDomainAliases() ([]*domain.DomainAlias, error)
	ListDomainAliasesByTarget(targetID string) ([]*domain.DomainAlias, error)
	DeleteDomainAlias(id string) error
}

// MailboxRepository 定义邮箱数据存取操作。
type MailboxRepository interface {
	SaveMailbox(mb *domain.Mailbox) error
	GetMailbox(id string) (*domain.Mailbox, error)
	GetMailboxByAddress(localPart, domainID string) (*domain.Mailbox, error)
	GetMailboxByUserID(userID string) (*domain.Mailbox, error)
	ListMailboxes() ([]*domain.Mailbox, error)
	ListMailboxesByDomain(domainID string) ([]*domain.Mailbox, error)
	CountMailboxesByDomain(domainID string) (int, error)
	// ResetDomainQuota 将域名下 UseDomainQuota 的邮箱配额重置为 quota，返回更新数量
	ResetDomainQuota(domainID string, quota int64) (int, error)
	DeleteMailbox(id string) error
}

// AliasRepository 定义别名及其接收者的数据存取操作。
type AliasRepository interface {
	SaveAlias(alias *domain.Alias) error
	GetAlias(id string) (*domain.Alias, error)
	GetAliasByAddress(address string) (*domain.Alias, error)
	// GetOrCreateAlias 按 (Address, DomainID, Internal) 原子地查找或创建别名
	GetOrCreateAlias(alias *domain.Alias) (*domain.Alias, bool, error)
	ListAliases() ([]*domain.Alias, error)
	ListAliasesByDomain(domainID string) ([]*domain.Alias, error)
	// DeleteAlias 删除别名及其全部接收者
	DeleteAlias(id string) error
	// DeleteAliasesByAddress 删除指定地址的别名（含接收者），返回删除数量
	DeleteAliasesByAddress(address string) (int, error)

	SaveAliasRecipient(r *domain.AliasRecipient) error
	ListAliasRecipients(aliasID string) ([]*domain.AliasRecipient, error)
	ListRecipientsByMailbox(mailboxID string) ([]*domain.AliasRecipient, error)
	ListRecipientsByAddress(address string) ([]*domain.AliasRecipient, error)
	CountAliasRecipients(aliasID string) (int, error)
	DeleteAliasRecipient(id string) error
}

// QuotaRepository 定义邮箱用量记录的数据存取操作。
type QuotaRepository interface {
	SaveQuota(q *domain.Quota) error
	GetQuota(username string) (*domain.Quota, error)
	// ListQuotasContaining 返回 username 包含 fragment 的记录
	ListQuotasContaining(fragment string) ([]*domain.Quota, error)
	DeleteQuota(username string) error
}

// UserRepository 定义账户数据存取操作。
type UserRepository interface {
	CreateUser(user *domain.User) error
	SaveUser(user *domain.User) error
	GetUser(id string) (*domain.User, error)
	GetUserByUsername(username string) (*domain.User, error)
	ListUsers() ([]*domain.User, error)
	// ListSuperusers 按创建时间升序返回全部超级用户
	ListSuperusers() ([]*domain.User, error)
	DeleteUser(id string) error
}

// AccessRepository 定义对象级授权的数据存取操作。
type AccessRepository interface {
	// GrantAccess 幂等授权，已存在时只会把 IsOwner 提升为 true
	GrantAccess(access *domain.ObjectAccess) error
	HasAccess(userID string, ref domain.ObjectRef) (bool, error)
	ListAccessByObject(ref domain.ObjectRef) ([]*domain.ObjectAccess, error)
	ListAccessByUser(userID string, objectType domain.ObjectType) ([]*domain.ObjectAccess, error)
	// RevokeObjectAccess 撤销对象上的全部授权
	RevokeObjectAccess(ref domain.ObjectRef) (int, error)
	// RevokeUserAccess 撤销用户持有的全部授权
	RevokeUserAccess(userID string) (int, error)
}

// LocalConfigRepository 定义全局参数的数据存取操作。
type LocalConfigRepository interface {
	GetLocalConfig() (*domain.LocalConfig, error)
	SaveLocalConfig(cfg *domain.LocalConfig) error
}

// Store 定义完整的存储接口。
type Store interface {
	DomainRepository
	DomainAliasRepository
	MailboxRepository
	AliasRepository
	QuotaRepository
	UserRepository
	AccessRepository
	LocalConfigRepository

	// Transaction 在单个事务中执行 fn，fn 返回错误时回滚。
	// 在事务句柄上再次调用 Transaction 会加入外层事务。
	Transaction(ctx context.Context, fn func(tx Store) error) error

	// 工具方法
	Close() error
	Health() error
}
