package engine

import (
	"context"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/params"
)

// Kind 实体变更事件类型
type Kind string

const (
	DomainCreated   Kind = "domain.created"
	DomainUpdated   Kind = "domain.updated"
	DomainPreDelete Kind = "domain.pre_delete"

	DomainAliasCreated Kind = "domainalias.created"
	DomainAliasDeleted Kind = "domainalias.deleted"

	MailboxCreated    Kind = "mailbox.created"
	MailboxUpdated    Kind = "mailbox.updated"
	MailboxPreDelete  Kind = "mailbox.pre_delete"
	MailboxPostDelete Kind = "mailbox.post_delete"

	AccountAutoCreated Kind = "account.auto_created"
	AccountUpdated     Kind = "account.updated"
	AccountRoleChanged Kind = "account.role_changed"
)

// Event 一次实体变更。只有与 Kind 相关的字段会被填充。
type Event struct {
	Kind Kind

	// Actor 触发变更的管理员，批处理或系统触发时为 nil
	Actor *domain.User

	Domain       *domain.Domain
	DomainRename *domain.DomainRename

	DomainAlias *domain.DomainAlias

	Mailbox *domain.Mailbox
	// MailboxDomain 邮箱当前所属域名
	MailboxDomain *domain.Domain
	MailboxRename *domain.MailboxRename

	User         *domain.User
	PreviousUser *domain.User
}

// EntityID 返回事件主体的 ID，用于日志
func (e *Event) EntityID() string {
	switch {
	case e.Mailbox != nil:
		return e.Mailbox.ID
	case e.DomainAlias != nil:
		return e.DomainAlias.ID
	case e.Domain != nil:
		return e.Domain.ID
	case e.User != nil:
		return e.User.ID
	default:
		return ""
	}
}

// Request 请求级上下文。批处理和管理命令没有 Request。
type Request struct {
	// Params 请求级参数，通常是覆盖全局参数的 params.Request
	Params params.Source
	// KeepDir 删除邮箱时保留目录
	KeepDir bool
}

type requestKey struct{}

// WithRequest 把请求上下文放入 ctx
func WithRequest(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// RequestFrom 取出请求上下文
func RequestFrom(ctx context.Context) (*Request, bool) {
	req, ok := ctx.Value(requestKey{}).(*Request)
	return req, ok && req != nil
}
