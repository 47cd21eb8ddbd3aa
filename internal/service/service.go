package service

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/permission"
	"mailadmin/backend/internal/storage"
)

// PasswordScheme 存储密码时使用的 Dovecot 方案前缀
const PasswordScheme = "{BLF-CRYPT}"

// HashPassword 使用 bcrypt 生成带方案前缀的密码哈希
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", domain.Validation("password", "password is required")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return PasswordScheme + string(hashed), nil
}

// CheckPassword 校验密码
func CheckPassword(hash, password string) bool {
	raw, ok := strings.CutPrefix(hash, PasswordScheme)
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(raw), []byte(password)) == nil
}

// storeError 把存储层错误转换为业务错误
func storeError(err error, field, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return domain.NotFound(field, what+" not found")
	case errors.Is(err, storage.ErrAlreadyExists):
		return domain.Conflict(field, what+" already exists")
	default:
		return err
	}
}

func exists(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// checkNamespace 名称在域名和域名别名中都必须唯一
func checkNamespace(st storage.Store, name string) error {
	_, err := st.GetDomainByName(name)
	if found, err := exists(err); err != nil {
		return err
	} else if found {
		return domain.Conflict("name", fmt.Sprintf("domain %s already exists", name))
	}

	_, err = st.GetDomainAliasByName(name)
	if found, err := exists(err); err != nil {
		return err
	} else if found {
		return domain.Conflict("name", fmt.Sprintf("domain alias %s already exists", name))
	}
	return nil
}

// checkDomainAccess actor 为 nil 时视为系统操作
func checkDomainAccess(auth *permission.Authorizer, st storage.AccessRepository, actor *domain.User, d *domain.Domain) error {
	if actor == nil {
		return nil
	}
	ok, err := auth.CanManageDomain(st, actor, d)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Permission(fmt.Sprintf("not allowed to manage domain %s", d.Name))
	}
	return nil
}
