package domain

// ObjectType 受权限控制的对象类型
type ObjectType string

const (
	ObjectUser        ObjectType = "user"
	ObjectDomain      ObjectType = "domain"
	ObjectDomainAlias ObjectType = "domainalias"
	ObjectMailbox     ObjectType = "mailbox"
	ObjectAlias       ObjectType = "alias"
)

// ManagedObjectTypes 核心受管对象类型，提权时需要全量授权
var ManagedObjectTypes = []ObjectType{
	ObjectUser,
	ObjectDomain,
	ObjectDomainAlias,
	ObjectMailbox,
	ObjectAlias,
}

// ObjectRef 对象引用
type ObjectRef struct {
	Type ObjectType
	ID   string
}

// Ref 构造对象引用
func Ref(t ObjectType, id string) ObjectRef {
	return ObjectRef{Type: t, ID: id}
}

// ObjectAccess 对象级访问授权
type ObjectAccess struct {
	ID         string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID     string     `json:"userId" gorm:"type:varchar(36);not null;uniqueIndex:idx_object_access"`
	ObjectType ObjectType `json:"objectType" gorm:"type:varchar(20);not null;uniqueIndex:idx_object_access"`
	ObjectID   string     `json:"objectId" gorm:"type:varchar(36);not null;uniqueIndex:idx_object_access;index"`
	IsOwner    bool       `json:"isOwner" gorm:"default:false"`
}

// Ref 返回授权对应的对象引用
func (a *ObjectAccess) Ref() ObjectRef {
	return ObjectRef{Type: a.ObjectType, ID: a.ObjectID}
}
