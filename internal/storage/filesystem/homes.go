package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// MailHomes 管理邮箱目录：<root>/<domain>/<local>
type MailHomes struct {
	root          string
	platformUtils *PlatformUtils
	log           *zap.Logger
}

// NewMailHomes 创建邮箱目录管理器
func NewMailHomes(root string, log *zap.Logger) (*MailHomes, error) {
	if root == "" {
		return nil, fmt.Errorf("mail home root is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	utils := NewPlatformUtils()
	return &MailHomes{
		root:          utils.NormalizePath(root),
		platformUtils: utils,
		log:           log,
	}, nil
}

// Root 返回目录根路径
func (h *MailHomes) Root() string {
	return h.root
}

// HomePath 返回邮箱目录路径
func (h *MailHomes) HomePath(domainName, localPart string) string {
	return filepath.Join(h.root,
		h.platformUtils.SanitizeSegment(domainName),
		h.platformUtils.SanitizeSegment(localPart))
}

// RenameDirectory 将邮箱目录从 oldPath 移动到 newPath。
// 旧目录不存在时视为无需处理；目标已存在时返回错误。
func (h *MailHomes) RenameDirectory(ctx context.Context, mailboxID, oldPath, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if oldPath == newPath {
		return nil
	}
	for _, p := range []string{oldPath, newPath} {
		if err := h.platformUtils.ValidatePath(h.root, p); err != nil {
			return err
		}
	}

	if _, err := os.Stat(oldPath); errors.Is(err, fs.ErrNotExist) {
		h.log.Debug("mail home does not exist, nothing to rename",
			zap.String("mailbox_id", mailboxID),
			zap.String("path", oldPath),
		)
		return nil
	} else if err != nil {
		return fmt.Errorf("stat %s: %w", oldPath, err)
	}

	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("rename mail home of %s: %s already exists", mailboxID, newPath)
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", newPath, err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename mail home of %s: %w", mailboxID, err)
	}

	h.log.Info("mail home renamed",
		zap.String("mailbox_id", mailboxID),
		zap.String("from", oldPath),
		zap.String("to", newPath),
	)
	return nil
}

// DeleteDirectory 删除邮箱目录，目录不存在时忽略
func (h *MailHomes) DeleteDirectory(ctx context.Context, mailboxID, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.platformUtils.ValidatePath(h.root, path); err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("delete mail home of %s: %w", mailboxID, err)
	}

	h.log.Info("mail home deleted",
		zap.String("mailbox_id", mailboxID),
		zap.String("path", path),
	)
	return nil
}
