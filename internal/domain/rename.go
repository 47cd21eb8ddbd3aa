package domain

// DomainRename 域名改名意图，由检测到名称变化的一方构造，不落库。
type DomainRename struct {
	OldName string
	NewName string
	// OldMailHomes mailboxID -> 改名前的邮箱目录
	OldMailHomes map[string]string
}

// MailboxRename 邮箱地址变更意图
type MailboxRename struct {
	OldFullAddress string
	NewFullAddress string
	OldHome        string
	NewHome        string
}

// Changed 地址是否真的发生了变化
func (r *MailboxRename) Changed() bool {
	return r != nil && r.OldFullAddress != "" && r.OldFullAddress != r.NewFullAddress
}
