package domain

import "time"

// Domain 托管域名
type Domain struct {
	ID                  string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name                string    `json:"name" gorm:"uniqueIndex;type:varchar(253);not null"`
	Enabled             bool      `json:"enabled" gorm:"not null;index"`
	Quota               int64     `json:"quota" gorm:"default:0"`               // 域名总配额（字节），0 表示不限制
	DefaultMailboxQuota int64     `json:"defaultMailboxQuota" gorm:"default:0"` // 新邮箱默认配额（字节）
	MailboxLimit        int       `json:"mailboxLimit" gorm:"default:0"`        // 域名下最大邮箱数，0 表示不限制
	EnableDKIM          bool      `json:"enableDkim" gorm:"default:false"`
	DKIMKeySelector     string    `json:"dkimKeySelector" gorm:"type:varchar(30)"`
	DKIMKeyLength       int       `json:"dkimKeyLength" gorm:"default:2048"`
	DKIMPublicKey       string    `json:"dkimPublicKey,omitempty" gorm:"type:text"`
	DKIMPrivateKeyPath  string    `json:"-" gorm:"type:varchar(255)"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// HasDKIMKey 判断域名是否已经生成过 DKIM 密钥
func (d *Domain) HasDKIMKey() bool {
	return d.DKIMPublicKey != "" && d.DKIMPrivateKeyPath != ""
}

// DomainAlias 域名别名，发往别名域的邮件按目标域处理
type DomainAlias struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name      string    `json:"name" gorm:"uniqueIndex;type:varchar(253);not null"`
	TargetID  string    `json:"targetId" gorm:"type:varchar(36);index;not null"`
	Enabled   bool      `json:"enabled" gorm:"not null"`
	CreatedAt time.Time `json:"createdAt"`
}
