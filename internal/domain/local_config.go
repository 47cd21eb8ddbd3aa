package domain

import "gorm.io/datatypes"

// LocalConfigID 全局参数记录的固定 ID
const LocalConfigID = "local"

// 已知参数名
const (
	ParamHandleMailboxes            = "handle_mailboxes"
	ParamAutoCreateDomainAndMailbox = "auto_create_domain_and_mailbox"
)

// LocalConfig 保存在数据库中的全局参数
type LocalConfig struct {
	ID         string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Parameters datatypes.JSONMap `json:"parameters" gorm:"type:json"`
}
