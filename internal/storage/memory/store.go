package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/google/uuid"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage"
)

// state 保存全部表及索引。所有写操作都替换指针而不是原地修改，
// 因此事务快照只需浅拷贝各个 map。
type state struct {
	domains        map[string]*domain.Domain // domainID -> domain
	domainsByName  map[string]string         // name -> domainID
	domainAliases  map[string]*domain.DomainAlias
	domainAliasIdx map[string]string // name -> domainAliasID

	mailboxes       map[string]*domain.Mailbox
	mailboxesByAddr map[string]string // domainID/local -> mailboxID
	mailboxesByUser map[string]string // userID -> mailboxID

	aliases       map[string]*domain.Alias
	aliasesByAddr map[string]string // address -> aliasID
	recipients    map[string]*domain.AliasRecipient
	quotas        map[string]*domain.Quota // username -> quota

	users       map[string]*domain.User
	usersByName map[string]string               // username -> userID
	access      map[string]*domain.ObjectAccess // user|type|id -> access
	localConfig *domain.LocalConfig
}

func newState() *state {
	return &state{
		domains:         make(map[string]*domain.Domain),
		domainsByName:   make(map[string]string),
		domainAliases:   make(map[string]*domain.DomainAlias),
		domainAliasIdx:  make(map[string]string),
		mailboxes:       make(map[string]*domain.Mailbox),
		mailboxesByAddr: make(map[string]string),
		mailboxesByUser: make(map[string]string),
		aliases:         make(map[string]*domain.Alias),
		aliasesByAddr:   make(map[string]string),
		recipients:      make(map[string]*domain.AliasRecipient),
		quotas:          make(map[string]*domain.Quota),
		users:           make(map[string]*domain.User),
		usersByName:     make(map[string]string),
		access:          make(map[string]*domain.ObjectAccess),
	}
}

func (st *state) clone() *state {
	return &state{
		domains:         maps.Clone(st.domains),
		domainsByName:   maps.Clone(st.domainsByName),
		domainAliases:   maps.Clone(st.domainAliases),
		domainAliasIdx:  maps.Clone(st.domainAliasIdx),
		mailboxes:       maps.Clone(st.mailboxes),
		mailboxesByAddr: maps.Clone(st.mailboxesByAddr),
		mailboxesByUser: maps.Clone(st.mailboxesByUser),
		aliases:         maps.Clone(st.aliases),
		aliasesByAddr:   maps.Clone(st.aliasesByAddr),
		recipients:      maps.Clone(st.recipients),
		quotas:          maps.Clone(st.quotas),
		users:           maps.Clone(st.users),
		usersByName:     maps.Clone(st.usersByName),
		access:          maps.Clone(st.access),
		localConfig:     st.localConfig,
	}
}

var _ storage.Store = (*Store)(nil)

// Store 使用内存保存管理数据，主要用于开发验证和测试。
type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex // 串行化事务
	st   *state
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{st: newState()}
}

// Transaction 串行执行 fn，fn 返回错误或 panic 时恢复到事务开始前的快照。
func (s *Store) Transaction(ctx context.Context, fn func(tx storage.Store) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.st.clone()
	s.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			s.restore(snapshot)
			panic(r)
		}
		if err != nil {
			s.restore(snapshot)
		}
	}()

	return fn(&txStore{Store: s})
}

func (s *Store) restore(snapshot *state) {
	s.mu.Lock()
	s.st = snapshot
	s.mu.Unlock()
}

// Close 内存存储无需释放资源
func (s *Store) Close() error {
	return nil
}

// Health 内存存储始终可用
func (s *Store) Health() error {
	return nil
}

// txStore 事务内的存储句柄，嵌套调用 Transaction 直接加入外层事务。
type txStore struct {
	*Store
}

func (t *txStore) Transaction(ctx context.Context, fn func(tx storage.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(t)
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}
