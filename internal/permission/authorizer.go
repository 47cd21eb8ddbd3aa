package permission

import (
	"fmt"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage"
)

// Authorizer 集中处理角色与对象级权限判断
type Authorizer struct{}

// NewAuthorizer 创建授权判断器
func NewAuthorizer() *Authorizer {
	return &Authorizer{}
}

// IsPlatformAdmin 平台管理员可以访问全部对象
func (a *Authorizer) IsPlatformAdmin(u *domain.User) bool {
	return u != nil && (u.IsSuperuser || u.Role == domain.RoleSuperAdmins)
}

// CanChangeDomain 是否拥有修改域名的高级权限（可突破域名配额限制）
func (a *Authorizer) CanChangeDomain(u *domain.User) bool {
	return a.IsPlatformAdmin(u) || (u != nil && u.Role == domain.RoleResellers)
}

// CanAccess 判断用户能否访问对象
func (a *Authorizer) CanAccess(st storage.AccessRepository, u *domain.User, ref domain.ObjectRef) (bool, error) {
	if u == nil {
		return false, nil
	}
	if a.IsPlatformAdmin(u) {
		return true, nil
	}
	// 账户总能访问自己
	if ref.Type == domain.ObjectUser && ref.ID == u.ID {
		return true, nil
	}
	return st.HasAccess(u.ID, ref)
}

// CanManageDomain 判断用户能否管理域名
func (a *Authorizer) CanManageDomain(st storage.AccessRepository, u *domain.User, d *domain.Domain) (bool, error) {
	if u == nil || d == nil {
		return false, nil
	}
	if a.IsPlatformAdmin(u) {
		return true, nil
	}
	if u.Role.Level() < domain.RoleDomainAdmins.Level() {
		return false, nil
	}
	return st.HasAccess(u.ID, domain.Ref(domain.ObjectDomain, d.ID))
}

// CheckCanCreateMailbox 检查管理员的邮箱创建配额，0 表示不限制
func (a *Authorizer) CheckCanCreateMailbox(st storage.AccessRepository, owner *domain.User) error {
	if owner == nil {
		return domain.Permission("no account to own the mailbox")
	}
	if a.IsPlatformAdmin(owner) || owner.MailboxLimit <= 0 {
		return nil
	}

	grants, err := st.ListAccessByUser(owner.ID, domain.ObjectMailbox)
	if err != nil {
		return fmt.Errorf("list mailboxes owned by %s: %w", owner.Username, err)
	}
	owned := 0
	for _, g := range grants {
		if g.IsOwner {
			owned++
		}
	}
	if owned >= owner.MailboxLimit {
		return domain.Permission(fmt.Sprintf("%s reached the mailbox limit (%d)", owner.Username, owner.MailboxLimit))
	}
	return nil
}

// CheckDomainMailboxLimit 检查域名的邮箱数量上限，0 表示不限制
func (a *Authorizer) CheckDomainMailboxLimit(st storage.MailboxRepository, d *domain.Domain) error {
	if d.MailboxLimit <= 0 {
		return nil
	}
	count, err := st.CountMailboxesByDomain(d.ID)
	if err != nil {
		return fmt.Errorf("count mailboxes of %s: %w", d.Name, err)
	}
	if count >= d.MailboxLimit {
		return domain.Permission(fmt.Sprintf("domain %s reached the mailbox limit (%d)", d.Name, d.MailboxLimit))
	}
	return nil
}
