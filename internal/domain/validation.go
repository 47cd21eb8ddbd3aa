package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
)

// 验证常量
const (
	// RFC 5322 邮箱地址长度限制
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253
)

var (
	localPartRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._+-]*[a-z0-9]$|^[a-z0-9]$`)

	domainRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)
)

// EmailValidator 邮箱验证器
type EmailValidator struct{}

// NewEmailValidator 创建邮箱验证器
func NewEmailValidator() *EmailValidator {
	return &EmailValidator{}
}

// ValidateEmail 完整验证邮箱地址
func (v *EmailValidator) ValidateEmail(email string) error {
	email = NormalizeAddress(email)

	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidEmail
	}

	localPart, domainName, ok := SplitMailbox(email)
	if !ok || domainName == "" {
		return ErrInvalidEmail
	}

	if err := v.ValidateLocalPart(localPart); err != nil {
		return err
	}
	return v.ValidateDomain(domainName)
}

// ValidateLocalPart 验证邮箱本地部分
func (v *EmailValidator) ValidateLocalPart(localPart string) error {
	if localPart == "" {
		return ErrInvalidLocalPart
	}
	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if !localPartRegex.MatchString(localPart) || strings.Contains(localPart, "..") {
		return ErrInvalidLocalPart
	}
	return nil
}

// ValidateDomain 验证域名
func (v *EmailValidator) ValidateDomain(domainName string) error {
	if domainName == "" {
		return ErrInvalidDomain
	}
	if len(domainName) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domainName) {
		return ErrInvalidDomain
	}
	return nil
}

// NormalizeAddress 地址统一转小写并去除首尾空白
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// SplitMailbox 拆分地址为本地部分和域名。
// 没有 @ 时 ok 为 true，domainName 为空；出现多个 @ 时 ok 为 false。
func SplitMailbox(address string) (localPart, domainName string, ok bool) {
	parts := strings.Split(address, "@")
	switch len(parts) {
	case 1:
		return parts[0], "", true
	case 2:
		return parts[0], parts[1], parts[0] != "" || parts[1] != ""
	default:
		return "", "", false
	}
}

// ReplaceDomain 保留本地部分，替换地址的域名部分
func ReplaceDomain(address, newDomain string) string {
	localPart, _, _ := strings.Cut(address, "@")
	return localPart + "@" + newDomain
}
