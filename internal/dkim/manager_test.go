package dkim

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailadmin/backend/internal/config"
	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage/memory"
)

func newManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	m, err := NewManager(store, config.DKIMConfig{KeyDir: t.TempDir(), KeyBits: 1024}, nil)
	require.NoError(t, err)
	return m, store
}

func saveDomain(t *testing.T, store *memory.Store, name string, enabled bool) {
	t.Helper()
	require.NoError(t, store.SaveDomain(&domain.Domain{
		Name:          name,
		Enabled:       true,
		EnableDKIM:    enabled,
		DKIMKeyLength: 1024,
	}))
}

func TestNewManager(t *testing.T) {
	_, err := NewManager(memory.NewStore(), config.DKIMConfig{}, nil)
	assert.Error(t, err)

	m, err := NewManager(memory.NewStore(), config.DKIMConfig{KeyDir: "/keys"}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultSelector, m.selector)
	assert.Equal(t, defaultKeyBits, m.keyBits)
	assert.Equal(t, filepath.Join("/keys", "example.com.pem"), m.KeyPath("example.com"))
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("生成密钥并保存公钥", func(t *testing.T) {
		m, store := newManager(t)
		saveDomain(t, store, "example.com", true)

		require.NoError(t, m.Handle(ctx, map[string]string{"domain": "example.com"}))

		d, err := store.GetDomainByName("example.com")
		require.NoError(t, err)
		assert.True(t, d.HasDKIMKey())
		assert.Equal(t, defaultSelector, d.DKIMKeySelector)
		assert.Equal(t, m.KeyPath("example.com"), d.DKIMPrivateKeyPath)
		assert.True(t, strings.HasPrefix(TXTRecord(d), "v=DKIM1;k=rsa;p="))

		data, err := os.ReadFile(d.DKIMPrivateKeyPath)
		require.NoError(t, err)
		block, _ := pem.Decode(data)
		require.NotNil(t, block)
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		require.NoError(t, err)
		public, err := PublicKey(&key.PublicKey)
		require.NoError(t, err)
		assert.Equal(t, d.DKIMPublicKey, public)

		info, err := os.Stat(d.DKIMPrivateKeyPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("重复投递不会重新生成", func(t *testing.T) {
		m, store := newManager(t)
		saveDomain(t, store, "example.com", true)
		args := map[string]string{"domain": "example.com"}

		require.NoError(t, m.Handle(ctx, args))
		first, err := store.GetDomainByName("example.com")
		require.NoError(t, err)

		require.NoError(t, m.Handle(ctx, args))
		second, err := store.GetDomainByName("example.com")
		require.NoError(t, err)
		assert.Equal(t, first.DKIMPublicKey, second.DKIMPublicKey)

		entries, err := os.ReadDir(m.keyDir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("密钥文件丢失时重新生成", func(t *testing.T) {
		m, store := newManager(t)
		saveDomain(t, store, "example.com", true)
		args := map[string]string{"domain": "example.com"}

		require.NoError(t, m.Handle(ctx, args))
		first, err := store.GetDomainByName("example.com")
		require.NoError(t, err)
		require.NoError(t, os.Remove(first.DKIMPrivateKeyPath))

		require.NoError(t, m.Handle(ctx, args))
		second, err := store.GetDomainByName("example.com")
		require.NoError(t, err)
		assert.FileExists(t, second.DKIMPrivateKeyPath)
		assert.NotEqual(t, first.DKIMPublicKey, second.DKIMPublicKey)
	})

	t.Run("未启用 DKIM 的域名跳过", func(t *testing.T) {
		m, store := newManager(t)
		saveDomain(t, store, "plain.com", false)

		require.NoError(t, m.Handle(ctx, map[string]string{"domain": "plain.com"}))
		d, err := store.GetDomainByName("plain.com")
		require.NoError(t, err)
		assert.False(t, d.HasDKIMKey())
		assert.NoFileExists(t, m.KeyPath("plain.com"))
	})

	t.Run("域名已删除", func(t *testing.T) {
		m, _ := newManager(t)
		assert.NoError(t, m.Handle(ctx, map[string]string{"domain": "gone.com"}))
	})

	t.Run("缺少参数", func(t *testing.T) {
		m, _ := newManager(t)
		assert.Error(t, m.Handle(ctx, map[string]string{}))
	})
}

func TestTXTRecord(t *testing.T) {
	assert.Empty(t, TXTRecord(&domain.Domain{}))
	assert.Equal(t, "v=DKIM1;k=rsa;p=abc", TXTRecord(&domain.Domain{DKIMPublicKey: "abc"}))
}
