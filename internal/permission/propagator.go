package permission

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage"
)

// Propagator 负责对象级授权的授予与撤销
type Propagator struct {
	auth *Authorizer
	log  *zap.Logger
}

// NewPropagator 创建授权传播器
func NewPropagator(auth *Authorizer, log *zap.Logger) *Propagator {
	if auth == nil {
		auth = NewAuthorizer()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Propagator{auth: auth, log: log}
}

// Authorizer 返回关联的授权判断器
func (p *Propagator) Authorizer() *Authorizer {
	return p.auth
}

// Grant 授予用户对象访问权，重复授予无副作用
func (p *Propagator) Grant(st storage.AccessRepository, userID string, ref domain.ObjectRef) error {
	return p.grant(st, userID, ref, false)
}

// GrantOwner 授予用户对象所有权
func (p *Propagator) GrantOwner(st storage.AccessRepository, userID string, ref domain.ObjectRef) error {
	return p.grant(st, userID, ref, true)
}

func (p *Propagator) grant(st storage.AccessRepository, userID string, ref domain.ObjectRef, owner bool) error {
	err := st.GrantAccess(&domain.ObjectAccess{
		UserID:     userID,
		ObjectType: ref.Type,
		ObjectID:   ref.ID,
		IsOwner:    owner,
	})
	if err != nil {
		return fmt.Errorf("grant %s %s to %s: %w", ref.Type, ref.ID, userID, err)
	}
	return nil
}

// GrantObjects 批量授权
func (p *Propagator) GrantObjects(st storage.AccessRepository, userID string, refs []domain.ObjectRef) error {
	for _, ref := range refs {
		if err := p.Grant(st, userID, ref); err != nil {
			return err
		}
	}
	return nil
}

// RevokeAll 撤销对象上的全部授权
func (p *Propagator) RevokeAll(st storage.AccessRepository, ref domain.ObjectRef) error {
	removed, err := st.RevokeObjectAccess(ref)
	if err != nil {
		return fmt.Errorf("revoke access to %s %s: %w", ref.Type, ref.ID, err)
	}
	p.log.Debug("access revoked",
		zap.String("object_type", string(ref.Type)),
		zap.String("object_id", ref.ID),
		zap.Int("grants", removed),
	)
	return nil
}

// OnCreated 新对象创建后：创建者成为所有者，对象所属域名的管理员获得访问权
func (p *Propagator) OnCreated(st storage.Store, creator *domain.User, ref domain.ObjectRef, domainID string) error {
	if creator != nil {
		if err := p.GrantOwner(st, creator.ID, ref); err != nil {
			return err
		}
	}
	if domainID == "" {
		return nil
	}

	admins, err := p.domainAdmins(st, domainID)
	if err != nil {
		return err
	}
	for _, admin := range admins {
		if creator != nil && admin.ID == creator.ID {
			continue
		}
		if err := p.Grant(st, admin.ID, ref); err != nil {
			return err
		}
	}
	return nil
}

// domainAdmins 返回对域名拥有访问权的域名管理员
func (p *Propagator) domainAdmins(st storage.Store, domainID string) ([]*domain.User, error) {
	grants, err := st.ListAccessByObject(domain.Ref(domain.ObjectDomain, domainID))
	if err != nil {
		return nil, fmt.Errorf("list administrators of domain %s: %w", domainID, err)
	}

	admins := make([]*domain.User, 0, len(grants))
	for _, g := range grants {
		u, err := st.GetUser(g.UserID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if u.Role == domain.RoleDomainAdmins {
			admins = append(admins, u)
		}
	}
	return admins, nil
}

// AddDomainAdmin 让用户成为域名管理员：授予域名及其下全部邮箱、别名的访问权
func (p *Propagator) AddDomainAdmin(st storage.Store, d *domain.Domain, user *domain.User) error {
	if err := p.Grant(st, user.ID, domain.Ref(domain.ObjectDomain, d.ID)); err != nil {
		return err
	}

	mailboxes, err := st.ListMailboxesByDomain(d.ID)
	if err != nil {
		return fmt.Errorf("list mailboxes of %s: %w", d.Name, err)
	}
	for _, mb := range mailboxes {
		if err := p.Grant(st, user.ID, domain.Ref(domain.ObjectMailbox, mb.ID)); err != nil {
			return err
		}
	}

	aliases, err := st.ListAliasesByDomain(d.ID)
	if err != nil {
		return fmt.Errorf("list aliases of %s: %w", d.Name, err)
	}
	for _, alias := range aliases {
		if err := p.Grant(st, user.ID, domain.Ref(domain.ObjectAlias, alias.ID)); err != nil {
			return err
		}
	}

	p.log.Info("domain administrator added",
		zap.String("domain", d.Name),
		zap.String("user", user.Username),
	)
	return nil
}

// DomainsFor 返回用户可以管理的域名，按名称排序
func (p *Propagator) DomainsFor(st storage.Store, user *domain.User) ([]*domain.Domain, error) {
	if p.auth.IsPlatformAdmin(user) {
		return st.ListDomains()
	}

	grants, err := st.ListAccessByUser(user.ID, domain.ObjectDomain)
	if err != nil {
		return nil, fmt.Errorf("list domains of %s: %w", user.Username, err)
	}
	domains := make([]*domain.Domain, 0, len(grants))
	for _, g := range grants {
		d, err := st.GetDomain(g.ObjectID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i].Name < domains[j].Name })
	return domains, nil
}

// GrantAll 授予用户全部受管对象的访问权（全量扫描，不做增量）
func (p *Propagator) GrantAll(st storage.Store, user *domain.User) error {
	for _, objectType := range domain.ManagedObjectTypes {
		refs, err := allRefs(st, objectType)
		if err != nil {
			return err
		}
		if err := p.GrantObjects(st, user.ID, refs); err != nil {
			return err
		}
	}
	return nil
}

func allRefs(st storage.Store, objectType domain.ObjectType) ([]domain.ObjectRef, error) {
	var ids []string
	switch objectType {
	case domain.ObjectUser:
		users, err := st.ListUsers()
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			ids = append(ids, u.ID)
		}
	case domain.ObjectDomain:
		domains, err := st.ListDomains()
		if err != nil {
			return nil, err
		}
		for _, d := range domains {
			ids = append(ids, d.ID)
		}
	case domain.ObjectDomainAlias:
		aliases, err := st.ListDomainAliases()
		if err != nil {
			return nil, err
		}
		for _, da := range aliases {
			ids = append(ids, da.ID)
		}
	case domain.ObjectMailbox:
		mailboxes, err := st.ListMailboxes()
		if err != nil {
			return nil, err
		}
		for _, mb := range mailboxes {
			ids = append(ids, mb.ID)
		}
	case domain.ObjectAlias:
		aliases, err := st.ListAliases()
		if err != nil {
			return nil, err
		}
		for _, alias := range aliases {
			ids = append(ids, alias.ID)
		}
	default:
		return nil, fmt.Errorf("unknown object type %q", objectType)
	}

	refs := make([]domain.ObjectRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, domain.Ref(objectType, id))
	}
	return refs, nil
}
