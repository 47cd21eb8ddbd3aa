// Package dkim 生成并保存域名的 DKIM 签名密钥
package dkim

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"mailadmin/backend/internal/config"
	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage"
	"mailadmin/backend/internal/storage/filesystem"
)

const (
	defaultSelector = "modoboa"
	defaultKeyBits  = 2048
	minKeyBits      = 1024
)

// Manager 处理 manage_dkim_keys 任务
type Manager struct {
	store    storage.Store
	keyDir   string
	selector string
	keyBits  int
	utils    *filesystem.PlatformUtils
	log      *zap.Logger
}

// NewManager 创建 DKIM 密钥管理器
func NewManager(store storage.Store, cfg config.DKIMConfig, log *zap.Logger) (*Manager, error) {
	if cfg.KeyDir == "" {
		return nil, errors.New("dkim key directory is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		store:    store,
		keyDir:   cfg.KeyDir,
		selector: cfg.Selector,
		keyBits:  cfg.KeyBits,
		utils:    filesystem.NewPlatformUtils(),
		log:      log,
	}
	if m.selector == "" {
		m.selector = defaultSelector
	}
	if m.keyBits < minKeyBits {
		m.keyBits = defaultKeyBits
	}
	return m, nil
}

// Handle 为域名生成 DKIM 密钥。
// 域名不存在或未启用 DKIM 时跳过；密钥文件存在且已保存公钥时不做任何事，重复投递的任务因此是安全的。
func (m *Manager) Handle(ctx context.Context, args map[string]string) error {
	name := domain.NormalizeAddress(args["domain"])
	if name == "" {
		return errors.New("manage_dkim_keys: missing domain argument")
	}

	return m.store.Transaction(ctx, func(tx storage.Store) error {
		d, err := tx.GetDomainByName(name)
		if errors.Is(err, storage.ErrNotFound) {
			m.log.Info("domain gone, skipping DKIM key", zap.String("domain", name))
			return nil
		}
		if err != nil {
			return fmt.Errorf("load domain %s: %w", name, err)
		}
		if !d.EnableDKIM {
			return nil
		}
		if d.HasDKIMKey() && fileExists(d.DKIMPrivateKeyPath) {
			m.log.Debug("DKIM key already present", zap.String("domain", name))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.DKIMKeySelector == "" {
			d.DKIMKeySelector = m.selector
		}
		bits := d.DKIMKeyLength
		if bits < minKeyBits {
			bits = m.keyBits
		}

		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return fmt.Errorf("generate DKIM key for %s: %w", name, err)
		}
		path := m.KeyPath(name)
		if err := writeKey(path, key); err != nil {
			return err
		}
		public, err := PublicKey(&key.PublicKey)
		if err != nil {
			return err
		}

		d.DKIMKeyLength = bits
		d.DKIMPublicKey = public
		d.DKIMPrivateKeyPath = path
		if err := tx.SaveDomain(d); err != nil {
			return fmt.Errorf("save DKIM key of %s: %w", name, err)
		}

		m.log.Info("DKIM key generated",
			zap.String("domain", name),
			zap.String("selector", d.DKIMKeySelector),
			zap.Int("bits", bits),
			zap.String("path", path),
			zap.String("txt", TXTRecord(d)),
		)
		return nil
	})
}

// KeyPath 返回域名私钥文件路径
func (m *Manager) KeyPath(domainName string) string {
	return filepath.Join(m.keyDir, m.utils.SanitizeSegment(domainName)+".pem")
}

// PublicKey 返回 DNS 记录中使用的 base64 DER 公钥
func PublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal DKIM public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// TXTRecord 返回 <selector>._domainkey.<domain> 的 TXT 记录内容
func TXTRecord(d *domain.Domain) string {
	if d.DKIMPublicKey == "" {
		return ""
	}
	return "v=DKIM1;k=rsa;p=" + d.DKIMPublicKey
}

// writeKey 先写临时文件再改名，已有文件被覆盖
func writeKey(path string, key *rsa.PrivateKey) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create DKIM key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".dkim-*.pem")
	if err != nil {
		return fmt.Errorf("create temporary DKIM key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := pem.Encode(tmp, block); err != nil {
		tmp.Close()
		return fmt.Errorf("write DKIM key: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod DKIM key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close DKIM key: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install DKIM key %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
