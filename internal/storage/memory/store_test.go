package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage"
)

func strPtr(s string) *string { return &s }

func TestMemoryStore_DomainOperations(t *testing.T) {
	store := NewStore()

	d := &domain.Domain{Name: "example.com", Enabled: true}
	require.NoError(t, store.SaveDomain(d))
	assert.NotEmpty(t, d.ID)
	assert.False(t, d.CreatedAt.IsZero())

	got, err := store.GetDomainByName("example.com")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	t.Run("名称重复", func(t *testing.T) {
		err := store.SaveDomain(&domain.Domain{Name: "example.com"})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	})

	t.Run("改名更新索引", func(t *testing.T) {
		got.Name = "example.org"
		require.NoError(t, store.SaveDomain(got))

		_, err := store.GetDomainByName("example.com")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		renamed, err := store.GetDomainByName("example.org")
		require.NoError(t, err)
		assert.Equal(t, d.ID, renamed.ID)
	})

	t.Run("返回副本", func(t *testing.T) {
		fetched, err := store.GetDomain(d.ID)
		require.NoError(t, err)
		fetched.Name = "mutated.com"

		again, err := store.GetDomain(d.ID)
		require.NoError(t, err)
		assert.Equal(t, "example.org", again.Name)
	})

	require.NoError(t, store.DeleteDomain(d.ID))
	_, err = store.GetDomain(d.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryStore_MailboxOperations(t *testing.T) {
	store := NewStore()

	mb := &domain.Mailbox{Address: "alice", DomainID: "d1", UserID: "u1", UseDomainQuota: true, Quota: 10}
	require.NoError(t, store.SaveMailbox(mb))

	got, err := store.GetMailboxByAddress("alice", "d1")
	require.NoError(t, err)
	assert.Equal(t, mb.ID, got.ID)

	got, err = store.GetMailboxByUserID("u1")
	require.NoError(t, err)
	assert.Equal(t, mb.ID, got.ID)

	err = store.SaveMailbox(&domain.Mailbox{Address: "alice", DomainID: "d1", UserID: "u2"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	err = store.SaveMailbox(&domain.Mailbox{Address: "bob", DomainID: "d1", UserID: "u1"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists, "一个账户只能有一个邮箱")

	require.NoError(t, store.SaveMailbox(&domain.Mailbox{Address: "bob", DomainID: "d1", UserID: "u2", Quota: 99}))

	updated, err := store.ResetDomainQuota("d1", 500)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	got, err = store.GetMailbox(mb.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.Quota)

	count, err := store.CountMailboxesByDomain("d1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, store.DeleteMailbox(mb.ID))
	_, err = store.GetMailboxByAddress("alice", "d1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryStore_AliasOperations(t *testing.T) {
	store := NewStore()

	alias := &domain.Alias{Address: "alice@example.com", DomainID: strPtr("d1"), Internal: true, Enabled: true}
	created, isNew, err := store.GetOrCreateAlias(alias)
	require.NoError(t, err)
	assert.True(t, isNew)

	t.Run("重复获取返回已有别名", func(t *testing.T) {
		again, isNew, err := store.GetOrCreateAlias(&domain.Alias{Address: "alice@example.com", DomainID: strPtr("d1"), Internal: true})
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Equal(t, created.ID, again.ID)
	})

	t.Run("地址被非内部别名占用", func(t *testing.T) {
		_, _, err := store.GetOrCreateAlias(&domain.Alias{Address: "alice@example.com", DomainID: strPtr("d1")})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	})

	require.NoError(t, store.SaveAliasRecipient(&domain.AliasRecipient{
		Address: "alice@example.com", AliasID: created.ID, RMailboxID: strPtr("m1"),
	}))
	require.NoError(t, store.SaveAliasRecipient(&domain.AliasRecipient{
		Address: "external@other.com", AliasID: created.ID,
	}))

	count, err := store.CountAliasRecipients(created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	byMailbox, err := store.ListRecipientsByMailbox("m1")
	require.NoError(t, err)
	require.Len(t, byMailbox, 1)
	assert.Equal(t, "alice@example.com", byMailbox[0].Address)

	err = store.SaveAliasRecipient(&domain.AliasRecipient{Address: "x@y.com", AliasID: "missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	removed, err := store.DeleteAliasesByAddress("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	recipients, err := store.ListAliasRecipients(created.ID)
	require.NoError(t, err)
	assert.Empty(t, recipients, "删除别名会同时删除接收者")
}

func TestMemoryStore_AccessOperations(t *testing.T) {
	store := NewStore()
	ref := domain.Ref(domain.ObjectDomain, "d1")

	require.NoError(t, store.GrantAccess(&domain.ObjectAccess{UserID: "u1", ObjectType: ref.Type, ObjectID: ref.ID}))
	require.NoError(t, store.GrantAccess(&domain.ObjectAccess{UserID: "u1", ObjectType: ref.Type, ObjectID: ref.ID, IsOwner: true}))
	require.NoError(t, store.GrantAccess(&domain.ObjectAccess{UserID: "u2", ObjectType: ref.Type, ObjectID: ref.ID}))

	grants, err := store.ListAccessByObject(ref)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.True(t, grants[0].IsOwner, "重复授权只提升所有者标记")

	ok, err := store.HasAccess("u2", ref)
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := store.RevokeObjectAccess(ref)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	ok, err = store.HasAccess("u1", ref)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_SuperusersOrdered(t *testing.T) {
	store := NewStore()

	require.NoError(t, store.CreateUser(&domain.User{Username: "admin", IsSuperuser: true}))
	require.NoError(t, store.CreateUser(&domain.User{Username: "plain"}))
	require.NoError(t, store.CreateUser(&domain.User{Username: "root", IsSuperuser: true}))

	supers, err := store.ListSuperusers()
	require.NoError(t, err)
	require.Len(t, supers, 2)
	assert.Equal(t, "admin", supers[0].Username)

	err = store.CreateUser(&domain.User{Username: "admin"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestMemoryStore_Transaction(t *testing.T) {
	ctx := context.Background()

	t.Run("提交", func(t *testing.T) {
		store := NewStore()
		err := store.Transaction(ctx, func(tx storage.Store) error {
			return tx.SaveDomain(&domain.Domain{Name: "commit.com"})
		})
		require.NoError(t, err)

		_, err = store.GetDomainByName("commit.com")
		assert.NoError(t, err)
	})

	t.Run("出错回滚", func(t *testing.T) {
		store := NewStore()
		require.NoError(t, store.SaveQuota(&domain.Quota{Username: "a@a.tld", Bytes: 10}))

		boom := errors.New("boom")
		err := store.Transaction(ctx, func(tx storage.Store) error {
			require.NoError(t, tx.SaveDomain(&domain.Domain{Name: "rollback.com"}))
			require.NoError(t, tx.DeleteQuota("a@a.tld"))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = store.GetDomainByName("rollback.com")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		q, err := store.GetQuota("a@a.tld")
		require.NoError(t, err)
		assert.Equal(t, int64(10), q.Bytes)
	})

	t.Run("嵌套事务加入外层", func(t *testing.T) {
		store := NewStore()
		boom := errors.New("boom")
		err := store.Transaction(ctx, func(tx storage.Store) error {
			innerErr := tx.Transaction(ctx, func(inner storage.Store) error {
				return inner.SaveDomain(&domain.Domain{Name: "nested.com"})
			})
			require.NoError(t, innerErr)
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = store.GetDomainByName("nested.com")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("上下文已取消", func(t *testing.T) {
		store := NewStore()
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		err := store.Transaction(cancelled, func(tx storage.Store) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryStore_LocalConfig(t *testing.T) {
	store := NewStore()

	_, err := store.GetLocalConfig()
	assert.ErrorIs(t, err, storage.ErrNotFound)

	cfg := &domain.LocalConfig{Parameters: map[string]interface{}{domain.ParamHandleMailboxes: true}}
	require.NoError(t, store.SaveLocalConfig(cfg))

	got, err := store.GetLocalConfig()
	require.NoError(t, err)
	assert.Equal(t, domain.LocalConfigID, got.ID)
	assert.Equal(t, true, got.Parameters[domain.ParamHandleMailboxes])
}
