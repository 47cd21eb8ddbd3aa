package domain

import "time"

// Alias 别名。Internal 为 true 的别名由系统维护（邮箱自身别名、域名别名映射），用户不可直接修改。
type Alias struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address     string    `json:"address" gorm:"type:varchar(254);uniqueIndex;not null"`
	DomainID    *string   `json:"domainId,omitempty" gorm:"type:varchar(36);index"` // 域名别名映射没有所属域名
	Enabled     bool      `json:"enabled" gorm:"not null"`
	Internal    bool      `json:"internal" gorm:"default:false;index"`
	Description string    `json:"description,omitempty" gorm:"type:text"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AliasRecipient 别名的接收者。RMailboxID 指向本地邮箱（可选）。
type AliasRecipient struct {
	ID         string  `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address    string  `json:"address" gorm:"type:varchar(254);not null;index"`
	AliasID    string  `json:"aliasId" gorm:"type:varchar(36);index;not null"`
	RMailboxID *string `json:"rMailboxId,omitempty" gorm:"column:r_mailbox_id;type:varchar(36);index"`
}

// PointsTo 判断接收者是否指向指定邮箱
func (r *AliasRecipient) PointsTo(mailboxID string) bool {
	return r.RMailboxID != nil && *r.RMailboxID == mailboxID
}
