package domain

import "time"

// UserRole 用户角色
type UserRole string

const (
	RoleSuperAdmins  UserRole = "SuperAdmins"
	RoleResellers    UserRole = "Resellers"
	RoleDomainAdmins UserRole = "DomainAdmins"
	RoleSimpleUsers  UserRole = "SimpleUsers"
)

// Valid 判断角色是否合法
func (r UserRole) Valid() bool {
	switch r {
	case RoleSuperAdmins, RoleResellers, RoleDomainAdmins, RoleSimpleUsers:
		return true
	}
	return false
}

// Level 返回角色的权限等级，数值越大权限越高
func (r UserRole) Level() int {
	switch r {
	case RoleSuperAdmins:
		return 3
	case RoleResellers:
		return 2
	case RoleDomainAdmins:
		return 1
	default:
		return 0
	}
}

// User 账户
type User struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Username     string    `json:"username" gorm:"uniqueIndex;type:varchar(254);not null"`
	Email        string    `json:"email" gorm:"type:varchar(254);index"`
	PasswordHash string    `json:"-" gorm:"type:varchar(255)"`
	FirstName    string    `json:"firstName" gorm:"type:varchar(30)"`
	LastName     string    `json:"lastName" gorm:"type:varchar(30)"`
	Role         UserRole  `json:"role" gorm:"type:varchar(20);default:'SimpleUsers';index"`
	IsActive     bool      `json:"isActive" gorm:"not null"`
	IsSuperuser  bool      `json:"isSuperuser" gorm:"default:false;index"`
	MailboxLimit int       `json:"mailboxLimit" gorm:"default:0"` // 管理员可创建的邮箱数，0 表示不限制
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// IsLowestTier 判断是否为最低权限账户
func (u *User) IsLowestTier() bool {
	return u.Role == RoleSimpleUsers
}
