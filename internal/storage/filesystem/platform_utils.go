package filesystem

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
)

// PlatformUtils 平台兼容性工具
type PlatformUtils struct{}

// NewPlatformUtils 创建平台工具实例
func NewPlatformUtils() *PlatformUtils {
	return &PlatformUtils{}
}

// SanitizeSegment 清理单级目录名（域名或本地部分），确保跨平台兼容
func (p *PlatformUtils) SanitizeSegment(segment string) string {
	for _, char := range p.getInvalidChars() {
		segment = strings.ReplaceAll(segment, char, "_")
	}
	segment = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, segment)

	// ".." 之类的名称不能作为目录
	segment = strings.Trim(segment, " .")
	if segment == "" {
		segment = "_"
	}
	return segment
}

// getInvalidChars 获取当前平台不允许的字符
func (p *PlatformUtils) getInvalidChars() []string {
	switch runtime.GOOS {
	case "darwin", "linux":
		return []string{"/", "\x00"}
	default:
		return []string{"<", ">", ":", "\"", "|", "?", "*", "\\", "/", "\x00"}
	}
}

// ValidatePath 验证路径位于 root 之下
func (p *PlatformUtils) ValidatePath(root, path string) error {
	if len(path) > 2000 {
		return fmt.Errorf("path too long: %d characters", len(path))
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return fmt.Errorf("path %s is outside %s: %w", path, root, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected: %s", path)
	}
	return nil
}

// NormalizePath 转换为清理后的绝对路径
func (p *PlatformUtils) NormalizePath(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(absPath)
}
