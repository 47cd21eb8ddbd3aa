package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/monitoring"
	"mailadmin/backend/internal/params"
	"mailadmin/backend/internal/storage"
	"mailadmin/backend/internal/storage/memory"
)

// MockDispatcher 模拟异步任务投递
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Enqueue(ctx context.Context, queue, task string, args map[string]string) error {
	return m.Called(queue, task, args).Error(0)
}

// MockHomes 模拟邮箱目录操作
type MockHomes struct {
	mock.Mock
}

func (m *MockHomes) HomePath(domainName, localPart string) string {
	return filepath.Join("/vmail", domainName, localPart)
}

func (m *MockHomes) RenameDirectory(ctx context.Context, mailboxID, oldPath, newPath string) error {
	return m.Called(mailboxID, oldPath, newPath).Error(0)
}

func (m *MockHomes) DeleteDirectory(ctx context.Context, mailboxID, path string) error {
	return m.Called(mailboxID, path).Error(0)
}

type fixture struct {
	store      *memory.Store
	engine     *Engine
	global     *params.Global
	dispatcher *MockDispatcher
	homes      *MockHomes
	root       *domain.User
}

func newFixture(t *testing.T, handleMailboxes bool) *fixture {
	t.Helper()
	store := memory.NewStore()
	global := params.NewGlobal(store, map[string]any{
		domain.ParamHandleMailboxes:            handleMailboxes,
		domain.ParamAutoCreateDomainAndMailbox: true,
	}, nil)
	f := &fixture{
		store:      store,
		global:     global,
		dispatcher: &MockDispatcher{},
		homes:      &MockHomes{},
	}
	f.engine = New(Deps{
		Params:     global,
		Dispatcher: f.dispatcher,
		Homes:      f.homes,
		DKIMQueue:  "dkim",
	})
	f.engine.Register(NewRegistry(nil, monitoring.NewMetrics()))

	f.root = &domain.User{Username: "admin", Role: domain.RoleSuperAdmins, IsSuperuser: true, IsActive: true}
	require.NoError(t, store.CreateUser(f.root))
	return f
}

func (f *fixture) tx(t *testing.T, fn func(tx storage.Store) error) {
	t.Helper()
	require.NoError(t, f.store.Transaction(context.Background(), fn))
}

func (f *fixture) createDomain(t *testing.T, name string) *domain.Domain {
	t.Helper()
	d := &domain.Domain{Name: name, Enabled: true, DefaultMailboxQuota: 100}
	f.tx(t, func(tx storage.Store) error {
		return f.engine.CreateDomain(context.Background(), tx, f.root, d)
	})
	return d
}

func (f *fixture) createMailbox(t *testing.T, local string, d *domain.Domain) (*domain.User, *domain.Mailbox) {
	t.Helper()
	u := &domain.User{Username: local + "@" + d.Name, Role: domain.RoleSimpleUsers, IsActive: true}
	require.NoError(t, f.store.CreateUser(u))
	mb := &domain.Mailbox{Address: local, DomainID: d.ID, UserID: u.ID}
	require.NoError(t, mb.SetQuota(d, 0, false))
	f.tx(t, func(tx storage.Store) error {
		return f.engine.CreateMailbox(context.Background(), tx, f.root, mb, d)
	})
	return u, mb
}

func (f *fixture) deleteMailbox(ctx context.Context, t *testing.T, mb *domain.Mailbox, d *domain.Domain) {
	t.Helper()
	require.NoError(t, f.store.Transaction(ctx, func(tx storage.Store) error {
		return f.engine.DeleteMailbox(ctx, tx, f.root, mb, d)
	}))
}

// addUserAlias 创建用户别名，接收者指向给定邮箱
func (f *fixture) addUserAlias(t *testing.T, address string, d *domain.Domain, targets map[string]*domain.Mailbox) *domain.Alias {
	t.Helper()
	domainID := d.ID
	alias := &domain.Alias{Address: address, DomainID: &domainID, Enabled: true}
	require.NoError(t, f.store.SaveAlias(alias))
	for addr, mb := range targets {
		r := &domain.AliasRecipient{Address: addr, AliasID: alias.ID}
		if mb != nil {
			id := mb.ID
			r.RMailboxID = &id
		}
		require.NoError(t, f.store.SaveAliasRecipient(r))
	}
	return alias
}

// assertNoOrphans 每个别名至少有一个接收者
func assertNoOrphans(t *testing.T, store storage.Store) {
	t.Helper()
	aliases, err := store.ListAliases()
	require.NoError(t, err)
	for _, a := range aliases {
		n, err := store.CountAliasRecipients(a.ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1, "alias %s has no recipients", a.Address)
	}
}

// assertSelfAlias 邮箱恰好有一个内部自身别名，且唯一接收者指向邮箱
func assertSelfAlias(t *testing.T, store storage.Store, full string, mb *domain.Mailbox) {
	t.Helper()
	alias, err := store.GetAliasByAddress(full)
	require.NoError(t, err)
	assert.True(t, alias.Internal)
	recipients, err := store.ListAliasRecipients(alias.ID)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.True(t, recipients[0].PointsTo(mb.ID))
	assert.Equal(t, full, recipients[0].Address)
}

func TestRegistryOrder(t *testing.T) {
	f := newFixture(t, false)
	reg := f.engine.reg

	assert.Equal(t, []string{"propagate_domain_rename", "schedule_dkim_keys"}, reg.Reactors(DomainUpdated))
	assert.Equal(t, []string{"rename_self_alias", "migrate_mailbox_quota", "rename_mailbox_home"}, reg.Reactors(MailboxUpdated))
	assert.Empty(t, reg.Reactors(Kind("unknown")))

	t.Run("未注册的引擎", func(t *testing.T) {
		e := New(Deps{})
		err := e.Fire(context.Background(), f.store, &Event{Kind: DomainCreated})
		assert.Error(t, err)
	})

	t.Run("反应器出错时中止并带上名称", func(t *testing.T) {
		reg := NewRegistry(nil, nil)
		var calls []string
		reg.On(DomainCreated, "first", func(context.Context, storage.Store, *Event) error {
			calls = append(calls, "first")
			return errors.New("boom")
		})
		reg.On(DomainCreated, "second", func(context.Context, storage.Store, *Event) error {
			calls = append(calls, "second")
			return nil
		})
		err := reg.Fire(context.Background(), f.store, &Event{Kind: DomainCreated, Domain: &domain.Domain{ID: "d1"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "domain.created/first")
		assert.Equal(t, []string{"first"}, calls)
	})
}

func TestSelfAlias(t *testing.T) {
	f := newFixture(t, false)
	d := f.createDomain(t, "a.tld")

	t.Run("创建邮箱后存在自身别名", func(t *testing.T) {
		_, mb := f.createMailbox(t, "user", d)
		assertSelfAlias(t, f.store, "user@a.tld", mb)

		alias, err := f.store.GetAliasByAddress("user@a.tld")
		require.NoError(t, err)
		assert.True(t, alias.Enabled)
		require.NotNil(t, alias.DomainID)
		assert.Equal(t, d.ID, *alias.DomainID)
	})

	t.Run("停用账户的自身别名默认禁用", func(t *testing.T) {
		u := &domain.User{Username: "off@a.tld", Role: domain.RoleSimpleUsers}
		require.NoError(t, f.store.CreateUser(u))
		mb := &domain.Mailbox{Address: "off", DomainID: d.ID, UserID: u.ID}
		f.tx(t, func(tx storage.Store) error {
			return f.engine.CreateMailbox(context.Background(), tx, f.root, mb, d)
		})
		alias, err := f.store.GetAliasByAddress("off@a.tld")
		require.NoError(t, err)
		assert.False(t, alias.Enabled)
	})

	t.Run("改名后别名和外部接收者跟随", func(t *testing.T) {
		_, mb := f.createMailbox(t, "old", d)
		forward := f.addUserAlias(t, "team@a.tld", d, map[string]*domain.Mailbox{"old@a.tld": mb})

		mb.Address = "new"
		f.tx(t, func(tx storage.Store) error {
			if err := tx.SaveMailbox(mb); err != nil {
				return err
			}
			return f.engine.Fire(context.Background(), tx, &Event{
				Kind:          MailboxUpdated,
				Mailbox:       mb,
				MailboxDomain: d,
				MailboxRename: &domain.MailboxRename{OldFullAddress: "old@a.tld", NewFullAddress: "new@a.tld"},
			})
		})

		_, err := f.store.GetAliasByAddress("old@a.tld")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assertSelfAlias(t, f.store, "new@a.tld", mb)

		recipients, err := f.store.ListAliasRecipients(forward.ID)
		require.NoError(t, err)
		require.Len(t, recipients, 1)
		assert.Equal(t, "new@a.tld", recipients[0].Address)
	})

	t.Run("地址未变化时不做处理", func(t *testing.T) {
		_, mb := f.createMailbox(t, "same", d)
		f.tx(t, func(tx storage.Store) error {
			return f.engine.Fire(context.Background(), tx, &Event{
				Kind:          MailboxUpdated,
				Mailbox:       mb,
				MailboxDomain: d,
				MailboxRename: &domain.MailboxRename{OldFullAddress: "same@a.tld", NewFullAddress: "same@a.tld"},
			})
		})
		assertSelfAlias(t, f.store, "same@a.tld", mb)
	})

	t.Run("删除邮箱后自身别名消失", func(t *testing.T) {
		u, mb := f.createMailbox(t, "gone", d)
		u.Email = "gone@a.tld"
		require.NoError(t, f.store.SaveUser(u))

		f.deleteMailbox(context.Background(), t, mb, d)

		_, err := f.store.GetAliasByAddress("gone@a.tld")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		owner, err := f.store.GetUser(u.ID)
		require.NoError(t, err)
		assert.Empty(t, owner.Email)
		assertNoOrphans(t, f.store)
	})
}

func TestMailboxRenameMigratesQuotaAndHome(t *testing.T) {
	f := newFixture(t, true)
	d := f.createDomain(t, "a.tld")
	_, mb := f.createMailbox(t, "old", d)
	require.NoError(t, f.store.SaveQuota(&domain.Quota{Username: "old@a.tld", Bytes: 42, Messages: 3}))

	f.homes.On("RenameDirectory", mb.ID, "/vmail/a.tld/old", "/vmail/a.tld/new").Return(nil).Once()

	mb.Address = "new"
	f.tx(t, func(tx storage.Store) error {
		if err := tx.SaveMailbox(mb); err != nil {
			return err
		}
		return f.engine.Fire(context.Background(), tx, &Event{
			Kind:          MailboxUpdated,
			Mailbox:       mb,
			MailboxDomain: d,
			MailboxRename: &domain.MailboxRename{
				OldFullAddress: "old@a.tld",
				NewFullAddress: "new@a.tld",
				OldHome:        "/vmail/a.tld/old",
			},
		})
	})

	q, err := f.store.GetQuota("new@a.tld")
	require.NoError(t, err)
	assert.Equal(t, int64(42), q.Bytes)
	assert.Equal(t, 3, q.Messages)
	_, err = f.store.GetQuota("old@a.tld")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	f.homes.AssertExpectations(t)

	t.Run("目录移动失败时整体回滚", func(t *testing.T) {
		f.homes.On("RenameDirectory", mb.ID, "/vmail/a.tld/new", "/vmail/a.tld/other").
			Return(errors.New("disk full")).Once()

		renamed := *mb
		renamed.Address = "other"
		err := f.store.Transaction(context.Background(), func(tx storage.Store) error {
			if err := tx.SaveMailbox(&renamed); err != nil {
				return err
			}
			return f.engine.Fire(context.Background(), tx, &Event{
				Kind:          MailboxUpdated,
				Mailbox:       &renamed,
				MailboxDomain: d,
				MailboxRename: &domain.MailboxRename{
					OldFullAddress: "new@a.tld",
					NewFullAddress: "other@a.tld",
					OldHome:        "/vmail/a.tld/new",
				},
			})
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rename_mailbox_home")

		assertSelfAlias(t, f.store, "new@a.tld", mb)
		_, err = f.store.GetQuota("new@a.tld")
		assert.NoError(t, err)
		stored, err := f.store.GetMailbox(mb.ID)
		require.NoError(t, err)
		assert.Equal(t, "new", stored.Address)
	})
}

func TestAliasOrphanInvariant(t *testing.T) {
	f := newFixture(t, false)
	d := f.createDomain(t, "a.tld")
	_, first := f.createMailbox(t, "first", d)
	_, second := f.createMailbox(t, "second", d)

	team := f.addUserAlias(t, "team@a.tld", d, map[string]*domain.Mailbox{
		"first@a.tld":  first,
		"second@a.tld": second,
	})

	f.deleteMailbox(context.Background(), t, first, d)
	n, err := f.store.CountAliasRecipients(team.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assertNoOrphans(t, f.store)

	f.deleteMailbox(context.Background(), t, second, d)
	_, err = f.store.GetAlias(team.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "最后一个接收者删除后别名也被删除")
	assertNoOrphans(t, f.store)
}

func TestMailboxDeletionCleanup(t *testing.T) {
	t.Run("撤销授权并删除用量记录", func(t *testing.T) {
		f := newFixture(t, false)
		d := f.createDomain(t, "a.tld")
		_, mb := f.createMailbox(t, "user", d)
		require.NoError(t, f.store.SaveQuota(&domain.Quota{Username: "user@a.tld", Bytes: 1}))

		ok, err := f.store.HasAccess(f.root.ID, domain.Ref(domain.ObjectMailbox, mb.ID))
		require.NoError(t, err)
		require.True(t, ok)

		f.deleteMailbox(context.Background(), t, mb, d)

		ok, err = f.store.HasAccess(f.root.ID, domain.Ref(domain.ObjectMailbox, mb.ID))
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = f.store.GetQuota("user@a.tld")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		f.homes.AssertNotCalled(t, "DeleteDirectory", mock.Anything, mock.Anything)
	})

	t.Run("全局开启且无请求上下文时删除目录", func(t *testing.T) {
		f := newFixture(t, true)
		d := f.createDomain(t, "a.tld")
		_, mb := f.createMailbox(t, "user", d)
		f.homes.On("DeleteDirectory", mb.ID, "/vmail/a.tld/user").Return(nil).Once()

		f.deleteMailbox(context.Background(), t, mb, d)
		f.homes.AssertExpectations(t)
	})

	t.Run("请求要求保留目录", func(t *testing.T) {
		f := newFixture(t, true)
		d := f.createDomain(t, "a.tld")
		_, mb := f.createMailbox(t, "user", d)

		ctx := WithRequest(context.Background(), &Request{KeepDir: true})
		f.deleteMailbox(ctx, t, mb, d)
		f.homes.AssertNotCalled(t, "DeleteDirectory", mock.Anything, mock.Anything)
	})

	t.Run("请求级参数关闭目录管理", func(t *testing.T) {
		f := newFixture(t, true)
		d := f.createDomain(t, "a.tld")
		_, mb := f.createMailbox(t, "user", d)

		req := &Request{Params: params.NewRequest(f.global, map[string]any{domain.ParamHandleMailboxes: false})}
		f.deleteMailbox(WithRequest(context.Background(), req), t, mb, d)
		f.homes.AssertNotCalled(t, "DeleteDirectory", mock.Anything, mock.Anything)
	})

	t.Run("请求无法打开全局关闭的目录管理", func(t *testing.T) {
		f := newFixture(t, false)
		d := f.createDomain(t, "a.tld")
		_, mb := f.createMailbox(t, "user", d)

		req := &Request{Params: params.NewRequest(f.global, map[string]any{domain.ParamHandleMailboxes: true})}
		f.deleteMailbox(WithRequest(context.Background(), req), t, mb, d)
		f.homes.AssertNotCalled(t, "DeleteDirectory", mock.Anything, mock.Anything)
	})

	t.Run("目录删除失败时回滚", func(t *testing.T) {
		f := newFixture(t, true)
		d := f.createDomain(t, "a.tld")
		_, mb := f.createMailbox(t, "user", d)
		f.homes.On("DeleteDirectory", mb.ID, "/vmail/a.tld/user").Return(errors.New("busy")).Once()

		err := f.store.Transaction(context.Background(), func(tx storage.Store) error {
			return f.engine.DeleteMailbox(context.Background(), tx, f.root, mb, d)
		})
		require.Error(t, err)
		_, err = f.store.GetMailbox(mb.ID)
		assert.NoError(t, err)
		assertSelfAlias(t, f.store, "user@a.tld", mb)
	})
}

func TestDomainAliasProjection(t *testing.T) {
	f := newFixture(t, false)
	target := f.createDomain(t, "example.com")
	da := &domain.DomainAlias{Name: "old.example", TargetID: target.ID, Enabled: true}

	f.tx(t, func(tx storage.Store) error {
		return f.engine.CreateDomainAlias(context.Background(), tx, f.root, da, target)
	})

	alias, err := f.store.GetAliasByAddress("@old.example")
	require.NoError(t, err)
	assert.True(t, alias.Internal)
	assert.Nil(t, alias.DomainID)
	recipients, err := f.store.ListAliasRecipients(alias.ID)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, "@example.com", recipients[0].Address)

	t.Run("重复触发不会重复添加接收者", func(t *testing.T) {
		f.tx(t, func(tx storage.Store) error {
			return f.engine.Fire(context.Background(), tx, &Event{Kind: DomainAliasCreated, DomainAlias: da, Domain: target})
		})
		n, err := f.store.CountAliasRecipients(alias.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("删除域名别名后映射消失", func(t *testing.T) {
		f.tx(t, func(tx storage.Store) error {
			return f.engine.DeleteDomainAlias(context.Background(), tx, f.root, da)
		})
		_, err := f.store.GetAliasByAddress("@old.example")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assertNoOrphans(t, f.store)
	})
}

func TestDomainRename(t *testing.T) {
	f := newFixture(t, true)
	d := f.createDomain(t, "a.tld")
	_, mb := f.createMailbox(t, "user", d)
	_, custom := f.createMailbox(t, "custom", d)
	require.NoError(t, f.store.SaveQuota(&domain.Quota{Username: "user@a.tld", Bytes: 1000, Messages: 5}))
	require.NoError(t, f.store.SaveQuota(&domain.Quota{Username: "user@a.tld.example", Bytes: 7}))

	custom.UseDomainQuota = false
	custom.Quota = 5
	require.NoError(t, f.store.SaveMailbox(custom))

	da := &domain.DomainAlias{Name: "alias.tld", TargetID: d.ID, Enabled: true}
	f.tx(t, func(tx storage.Store) error {
		return f.engine.CreateDomainAlias(context.Background(), tx, f.root, da, d)
	})

	f.homes.On("RenameDirectory", mb.ID, "/vmail/a.tld/user", "/vmail/b.tld/user").Return(nil).Once()
	f.homes.On("RenameDirectory", custom.ID, "/vmail/a.tld/custom", "/vmail/b.tld/custom").Return(nil).Once()

	d.Name = "b.tld"
	d.DefaultMailboxQuota = 300
	f.tx(t, func(tx storage.Store) error {
		if err := tx.SaveDomain(d); err != nil {
			return err
		}
		return f.engine.Fire(context.Background(), tx, &Event{
			Kind:   DomainUpdated,
			Domain: d,
			DomainRename: &domain.DomainRename{
				OldName: "a.tld",
				NewName: "b.tld",
				OldMailHomes: map[string]string{
					mb.ID:     "/vmail/a.tld/user",
					custom.ID: "/vmail/a.tld/custom",
				},
			},
		})
	})
	f.homes.AssertExpectations(t)

	t.Run("用量记录保持不变", func(t *testing.T) {
		q, err := f.store.GetQuota("user@b.tld")
		require.NoError(t, err)
		assert.Equal(t, int64(1000), q.Bytes)
		assert.Equal(t, 5, q.Messages)

		quotas, err := f.store.ListQuotasContaining("@a.tld")
		require.NoError(t, err)
		require.Len(t, quotas, 1, "只有后缀匹配的记录被迁移")
		assert.Equal(t, "user@a.tld.example", quotas[0].Username)
	})

	t.Run("继承配额被重置", func(t *testing.T) {
		stored, err := f.store.GetMailbox(mb.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(300), stored.Quota)

		stored, err = f.store.GetMailbox(custom.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), stored.Quota)
	})

	t.Run("自身别名和映射跟随新名称", func(t *testing.T) {
		assertSelfAlias(t, f.store, "user@b.tld", mb)
		_, err := f.store.GetAliasByAddress("user@a.tld")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		projection, err := f.store.GetAliasByAddress("@alias.tld")
		require.NoError(t, err)
		recipients, err := f.store.ListAliasRecipients(projection.ID)
		require.NoError(t, err)
		require.Len(t, recipients, 1)
		assert.Equal(t, "@b.tld", recipients[0].Address)
	})

	t.Run("普通更新只重置配额", func(t *testing.T) {
		d.DefaultMailboxQuota = 400
		f.tx(t, func(tx storage.Store) error {
			if err := tx.SaveDomain(d); err != nil {
				return err
			}
			return f.engine.Fire(context.Background(), tx, &Event{Kind: DomainUpdated, Domain: d})
		})
		stored, err := f.store.GetMailbox(mb.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(400), stored.Quota)
		f.homes.AssertNumberOfCalls(t, "RenameDirectory", 2)
	})
}

func TestDKIMScheduling(t *testing.T) {
	f := newFixture(t, false)

	t.Run("启用 DKIM 时投递任务", func(t *testing.T) {
		f.dispatcher.On("Enqueue", "dkim", ManageDKIMKeysTask, map[string]string{"domain": "signed.tld"}).Return(nil).Once()
		d := &domain.Domain{Name: "signed.tld", Enabled: true, EnableDKIM: true}
		f.tx(t, func(tx storage.Store) error {
			return f.engine.CreateDomain(context.Background(), tx, f.root, d)
		})
		f.dispatcher.AssertExpectations(t)
	})

	t.Run("未启用时不投递", func(t *testing.T) {
		f.createDomain(t, "plain.tld")
		f.dispatcher.AssertNumberOfCalls(t, "Enqueue", 1)
	})

	t.Run("投递失败不影响域名保存", func(t *testing.T) {
		f.dispatcher.On("Enqueue", "dkim", ManageDKIMKeysTask, map[string]string{"domain": "flaky.tld"}).
			Return(errors.New("redis down")).Once()
		d := &domain.Domain{Name: "flaky.tld", Enabled: true, EnableDKIM: true}
		f.tx(t, func(tx storage.Store) error {
			return f.engine.CreateDomain(context.Background(), tx, f.root, d)
		})
		_, err := f.store.GetDomainByName("flaky.tld")
		assert.NoError(t, err)
	})
}

func TestDeactivationCascade(t *testing.T) {
	f := newFixture(t, false)
	d := f.createDomain(t, "a.tld")
	sharedUser, _ := f.createMailbox(t, "shared", d)
	_, other := f.createMailbox(t, "other", d)
	soleUser, _ := f.createMailbox(t, "sole", d)

	// 自身别名再加一个接收者，变成共享别名
	sharedAlias, err := f.store.GetAliasByAddress("shared@a.tld")
	require.NoError(t, err)
	otherID := other.ID
	require.NoError(t, f.store.SaveAliasRecipient(&domain.AliasRecipient{
		Address: "other@a.tld", AliasID: sharedAlias.ID, RMailboxID: &otherID,
	}))

	deactivate := func(u *domain.User) {
		prev := *u
		u.IsActive = false
		f.tx(t, func(tx storage.Store) error {
			if err := tx.SaveUser(u); err != nil {
				return err
			}
			return f.engine.Fire(context.Background(), tx, &Event{Kind: AccountUpdated, User: u, PreviousUser: &prev})
		})
	}
	deactivate(sharedUser)
	deactivate(soleUser)

	alias, err := f.store.GetAliasByAddress("shared@a.tld")
	require.NoError(t, err)
	assert.True(t, alias.Enabled, "共享别名保持启用")

	alias, err = f.store.GetAliasByAddress("sole@a.tld")
	require.NoError(t, err)
	assert.False(t, alias.Enabled, "唯一接收者的别名被禁用")
}

func TestRoleElevation(t *testing.T) {
	f := newFixture(t, false)
	d := f.createDomain(t, "a.tld")
	f.createMailbox(t, "user", d)

	u := &domain.User{Username: "boss", Role: domain.RoleSuperAdmins, IsActive: true}
	require.NoError(t, f.store.CreateUser(u))

	elevate := func() {
		f.tx(t, func(tx storage.Store) error {
			return f.engine.Fire(context.Background(), tx, &Event{Kind: AccountRoleChanged, User: u})
		})
	}
	grants := func() []string {
		var keys []string
		for _, objectType := range domain.ManagedObjectTypes {
			list, err := f.store.ListAccessByUser(u.ID, objectType)
			require.NoError(t, err)
			for _, g := range list {
				keys = append(keys, string(g.ObjectType)+":"+g.ObjectID)
			}
		}
		sort.Strings(keys)
		return keys
	}

	elevate()
	first := grants()
	require.NotEmpty(t, first)
	elevate()
	assert.Equal(t, first, grants())

	ok, err := f.store.HasAccess(u.ID, domain.Ref(domain.ObjectDomain, d.ID))
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("其他角色不触发", func(t *testing.T) {
		simple := &domain.User{Username: "simple", Role: domain.RoleDomainAdmins}
		require.NoError(t, f.store.CreateUser(simple))
		f.tx(t, func(tx storage.Store) error {
			return f.engine.Fire(context.Background(), tx, &Event{Kind: AccountRoleChanged, User: simple})
		})
		list, err := f.store.ListAccessByUser(simple.ID, domain.ObjectDomain)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestAutoProvision(t *testing.T) {
	provision := func(f *fixture, u *domain.User) {
		require.NoError(t, f.store.CreateUser(u))
		f.tx(t, func(tx storage.Store) error {
			return f.engine.Fire(context.Background(), tx, &Event{Kind: AccountAutoCreated, User: u})
		})
	}

	t.Run("创建域名和邮箱", func(t *testing.T) {
		f := newFixture(t, false)
		second := &domain.User{Username: "second", Role: domain.RoleSuperAdmins, IsSuperuser: true, IsActive: true}
		require.NoError(t, f.store.CreateUser(second))

		u := &domain.User{Username: "Jane@New.tld", Role: domain.RoleSimpleUsers, IsActive: true}
		provision(f, u)

		d, err := f.store.GetDomainByName("new.tld")
		require.NoError(t, err)
		assert.True(t, d.Enabled)
		assert.Zero(t, d.Quota)

		mb, err := f.store.GetMailboxByUserID(u.ID)
		require.NoError(t, err)
		assert.Equal(t, "jane", mb.Address)
		assert.True(t, mb.UseDomainQuota)
		assertSelfAlias(t, f.store, "jane@new.tld", mb)

		stored, err := f.store.GetUser(u.ID)
		require.NoError(t, err)
		assert.Equal(t, "jane@new.tld", stored.Email)

		grants, err := f.store.ListAccessByObject(domain.Ref(domain.ObjectDomain, d.ID))
		require.NoError(t, err)
		owners := map[string]bool{}
		for _, g := range grants {
			owners[g.UserID] = g.IsOwner
		}
		assert.True(t, owners[f.root.ID], "第一个超级用户是所有者")
		assert.Contains(t, owners, second.ID)

		ok, err := f.store.HasAccess(second.ID, domain.Ref(domain.ObjectMailbox, mb.ID))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("已有域名只创建邮箱", func(t *testing.T) {
		f := newFixture(t, false)
		d := f.createDomain(t, "a.tld")
		u := &domain.User{Username: "bob@a.tld", Role: domain.RoleSimpleUsers, IsActive: true}
		provision(f, u)

		mb, err := f.store.GetMailboxByUserID(u.ID)
		require.NoError(t, err)
		assert.Equal(t, d.ID, mb.DomainID)
		assert.Equal(t, int64(100), mb.Quota)
	})

	t.Run("域名别名冲突时不做处理", func(t *testing.T) {
		f := newFixture(t, false)
		target := f.createDomain(t, "a.tld")
		f.tx(t, func(tx storage.Store) error {
			return f.engine.CreateDomainAlias(context.Background(), tx, f.root,
				&domain.DomainAlias{Name: "alias.tld", TargetID: target.ID, Enabled: true}, target)
		})
		u := &domain.User{Username: "bob@alias.tld", Role: domain.RoleSimpleUsers, IsActive: true}
		provision(f, u)

		_, err := f.store.GetDomainByName("alias.tld")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = f.store.GetMailboxByUserID(u.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("没有域名部分时不做处理", func(t *testing.T) {
		f := newFixture(t, false)
		u := &domain.User{Username: "operator", Role: domain.RoleDomainAdmins, IsActive: true}
		provision(f, u)

		domains, err := f.store.ListDomains()
		require.NoError(t, err)
		assert.Empty(t, domains)
	})

	t.Run("参数关闭时不做处理", func(t *testing.T) {
		f := newFixture(t, false)
		require.NoError(t, f.global.Set(domain.ParamAutoCreateDomainAndMailbox, false))
		u := &domain.User{Username: "bob@off.tld", Role: domain.RoleSimpleUsers, IsActive: true}
		provision(f, u)

		_, err := f.store.GetDomainByName("off.tld")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestDomainDeletion(t *testing.T) {
	f := newFixture(t, false)
	d := f.createDomain(t, "a.tld")
	keep := f.createDomain(t, "keep.tld")
	u, _ := f.createMailbox(t, "user", d)
	_, kept := f.createMailbox(t, "user", keep)
	f.addUserAlias(t, "sales@a.tld", d, map[string]*domain.Mailbox{"partner@elsewhere.tld": nil})
	f.tx(t, func(tx storage.Store) error {
		return f.engine.CreateDomainAlias(context.Background(), tx, f.root,
			&domain.DomainAlias{Name: "alias.tld", TargetID: d.ID, Enabled: true}, d)
	})
	require.NoError(t, f.store.SaveQuota(&domain.Quota{Username: "ghost@a.tld", Bytes: 1}))

	f.tx(t, func(tx storage.Store) error {
		if err := f.engine.Fire(context.Background(), tx, &Event{Kind: DomainPreDelete, Actor: f.root, Domain: d}); err != nil {
			return err
		}
		return tx.DeleteDomain(d.ID)
	})

	mailboxes, err := f.store.ListMailboxesByDomain(d.ID)
	require.NoError(t, err)
	assert.Empty(t, mailboxes)
	aliases, err := f.store.ListAliasesByDomain(d.ID)
	require.NoError(t, err)
	assert.Empty(t, aliases)
	_, err = f.store.GetAliasByAddress("@alias.tld")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.store.GetDomainAliasByName("alias.tld")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.store.GetQuota("ghost@a.tld")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.store.GetUser(u.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "普通用户随域名删除")

	assertSelfAlias(t, f.store, "user@keep.tld", kept)
	assertNoOrphans(t, f.store)
}
