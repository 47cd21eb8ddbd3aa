package domain

import (
	"time"
)

// Mailbox 邮箱，与 User 一一对应。
type Mailbox struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address        string    `json:"address" gorm:"type:varchar(252);not null;uniqueIndex:idx_mailbox_address"` // 本地部分
	DomainID       string    `json:"domainId" gorm:"type:varchar(36);not null;uniqueIndex:idx_mailbox_address"`
	UserID         string    `json:"userId" gorm:"type:varchar(36);uniqueIndex;not null"`
	UseDomainQuota bool      `json:"useDomainQuota" gorm:"default:false"`
	Quota          int64     `json:"quota" gorm:"default:0"` // 字节
	CreatedAt      time.Time `json:"createdAt"`
}

// FullAddress 返回完整地址 local@domain。
func (m *Mailbox) FullAddress(domainName string) string {
	return m.Address + "@" + domainName
}

// SetQuota 按域名配额规则设置邮箱配额。
// quota 为 0 时继承域名默认配额。override 为 false 时，配额不能超过域名总配额。
func (m *Mailbox) SetQuota(dom *Domain, quota int64, override bool) error {
	if quota <= 0 {
		m.UseDomainQuota = true
		m.Quota = dom.DefaultMailboxQuota
		return nil
	}
	if !override && dom.Quota > 0 && quota > dom.Quota {
		return Validation("quota", "quota exceeds the domain quota")
	}
	m.UseDomainQuota = false
	m.Quota = quota
	return nil
}

// Quota 邮箱用量记录（由投递代理维护），以完整地址为键。
type Quota struct {
	Username string `json:"username" gorm:"primaryKey;type:varchar(254)"`
	Bytes    int64  `json:"bytes" gorm:"default:0"`
	Messages int    `json:"messages" gorm:"default:0"`
}

// TableName 固定表名
func (Quota) TableName() string {
	return "quotas"
}
