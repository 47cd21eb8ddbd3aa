package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage/memory"
)

func newUser(t *testing.T, store *memory.Store, username string, role domain.UserRole) *domain.User {
	t.Helper()
	u := &domain.User{Username: username, Role: role, IsActive: true, IsSuperuser: role == domain.RoleSuperAdmins}
	require.NoError(t, store.CreateUser(u))
	return u
}

func TestAuthorizer(t *testing.T) {
	store := memory.NewStore()
	auth := NewAuthorizer()

	root := newUser(t, store, "root", domain.RoleSuperAdmins)
	reseller := newUser(t, store, "reseller", domain.RoleResellers)
	admin := newUser(t, store, "admin@a.tld", domain.RoleDomainAdmins)
	simple := newUser(t, store, "user@a.tld", domain.RoleSimpleUsers)

	d := &domain.Domain{Name: "a.tld", Enabled: true}
	require.NoError(t, store.SaveDomain(d))
	require.NoError(t, store.GrantAccess(&domain.ObjectAccess{UserID: admin.ID, ObjectType: domain.ObjectDomain, ObjectID: d.ID}))
	require.NoError(t, store.GrantAccess(&domain.ObjectAccess{UserID: simple.ID, ObjectType: domain.ObjectDomain, ObjectID: d.ID}))

	t.Run("角色判断", func(t *testing.T) {
		assert.True(t, auth.IsPlatformAdmin(root))
		assert.False(t, auth.IsPlatformAdmin(reseller))
		assert.True(t, auth.CanChangeDomain(reseller))
		assert.False(t, auth.CanChangeDomain(admin))
		assert.False(t, auth.IsPlatformAdmin(nil))
	})

	t.Run("域名管理权", func(t *testing.T) {
		ok, err := auth.CanManageDomain(store, admin, d)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = auth.CanManageDomain(store, simple, d)
		require.NoError(t, err)
		assert.False(t, ok, "普通用户即使有授权也不能管理域名")

		ok, err = auth.CanManageDomain(store, reseller, d)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = auth.CanManageDomain(store, root, d)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("访问自己", func(t *testing.T) {
		ok, err := auth.CanAccess(store, simple, domain.Ref(domain.ObjectUser, simple.ID))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("管理员邮箱上限", func(t *testing.T) {
		limited := newUser(t, store, "limited", domain.RoleDomainAdmins)
		limited.MailboxLimit = 1
		require.NoError(t, auth.CheckCanCreateMailbox(store, limited))

		require.NoError(t, store.GrantAccess(&domain.ObjectAccess{
			UserID: limited.ID, ObjectType: domain.ObjectMailbox, ObjectID: "m1", IsOwner: true,
		}))
		err := auth.CheckCanCreateMailbox(store, limited)
		assert.ErrorIs(t, err, domain.ErrPermission)
	})

	t.Run("域名邮箱上限", func(t *testing.T) {
		limited := &domain.Domain{Name: "small.tld", MailboxLimit: 1}
		require.NoError(t, store.SaveDomain(limited))
		require.NoError(t, auth.CheckDomainMailboxLimit(store, limited))

		require.NoError(t, store.SaveMailbox(&domain.Mailbox{Address: "x", DomainID: limited.ID, UserID: "ux"}))
		assert.ErrorIs(t, auth.CheckDomainMailboxLimit(store, limited), domain.ErrPermission)
	})
}

func TestPropagator(t *testing.T) {
	store := memory.NewStore()
	p := NewPropagator(nil, nil)

	creator := newUser(t, store, "creator", domain.RoleResellers)
	admin := newUser(t, store, "admin@a.tld", domain.RoleDomainAdmins)

	d := &domain.Domain{Name: "a.tld"}
	require.NoError(t, store.SaveDomain(d))
	other := &domain.Domain{Name: "b.tld"}
	require.NoError(t, store.SaveDomain(other))
	mb := &domain.Mailbox{Address: "bob", DomainID: d.ID, UserID: "bob"}
	require.NoError(t, store.SaveMailbox(mb))

	t.Run("添加域名管理员", func(t *testing.T) {
		require.NoError(t, p.AddDomainAdmin(store, d, admin))

		ok, err := store.HasAccess(admin.ID, domain.Ref(domain.ObjectMailbox, mb.ID))
		require.NoError(t, err)
		assert.True(t, ok)

		domains, err := p.DomainsFor(store, admin)
		require.NoError(t, err)
		require.Len(t, domains, 1)
		assert.Equal(t, "a.tld", domains[0].Name)
	})

	t.Run("新对象授权给创建者和域名管理员", func(t *testing.T) {
		ref := domain.Ref(domain.ObjectAlias, "alias-1")
		require.NoError(t, p.OnCreated(store, creator, ref, d.ID))

		grants, err := store.ListAccessByObject(ref)
		require.NoError(t, err)
		require.Len(t, grants, 2)

		for _, g := range grants {
			assert.Equal(t, g.UserID == creator.ID, g.IsOwner)
		}
	})

	t.Run("全量授权幂等", func(t *testing.T) {
		elevated := newUser(t, store, "elevated", domain.RoleSuperAdmins)

		require.NoError(t, p.GrantAll(store, elevated))
		first := snapshot(t, store, elevated.ID)
		require.NoError(t, p.GrantAll(store, elevated))
		second := snapshot(t, store, elevated.ID)

		assert.Equal(t, first, second)
		assert.Len(t, first[domain.ObjectDomain], 2)
	})

	t.Run("撤销对象授权", func(t *testing.T) {
		ref := domain.Ref(domain.ObjectMailbox, mb.ID)
		require.NoError(t, p.RevokeAll(store, ref))

		grants, err := store.ListAccessByObject(ref)
		require.NoError(t, err)
		assert.Empty(t, grants)
	})
}

func snapshot(t *testing.T, store *memory.Store, userID string) map[domain.ObjectType][]string {
	t.Helper()
	out := map[domain.ObjectType][]string{}
	for _, objectType := range domain.ManagedObjectTypes {
		grants, err := store.ListAccessByUser(userID, objectType)
		require.NoError(t, err)
		for _, g := range grants {
			out[objectType] = append(out[objectType], g.ID+"|"+g.ObjectID)
		}
	}
	return out
}
