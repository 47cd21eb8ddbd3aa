package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailadmin/backend/internal/config"
	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store 基于 GORM 的存储实现，支持 PostgreSQL 和 MySQL
type Store struct {
	db   *gorm.DB
	inTx bool
}

// Open 根据配置选择数据库方言并创建存储实例
func Open(cfg config.DatabaseConfig) (*Store, error) {
	switch cfg.Type {
	case "postgres":
		return NewStoreWithDialector(postgres.Open(cfg.DSN), cfg)
	case "mysql":
		return NewStoreWithDialector(mysql.Open(cfg.DSN), cfg)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, cfg config.DatabaseConfig) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		TranslateError: true,
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &Store{db: db}, nil
}

// Models 返回需要迁移的全部表模型
func Models() []interface{} {
	return []interface{}{
		&domain.Domain{},
		&domain.DomainAlias{},
		&domain.Mailbox{},
		&domain.Alias{},
		&domain.AliasRecipient{},
		&domain.Quota{},
		&domain.User{},
		&domain.ObjectAccess{},
		&domain.LocalConfig{},
	}
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(Models()...)
}

// Transaction 在数据库事务中执行 fn。已处于事务中时直接复用当前事务。
func (s *Store) Transaction(ctx context.Context, fn func(tx storage.Store) error) error {
	if s.inTx {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(s)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, inTx: true})
	})
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// translate 将 GORM 错误转换为存储层错误
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storage.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return storage.ErrAlreadyExists
	default:
		return err
	}
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// likeContains 构造转义后的 LIKE 模式
func likeContains(fragment string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(fragment) + "%"
}

// deleteByID 删除单条记录，记录不存在时返回 ErrNotFound
func (s *Store) deleteByID(model interface{}, id string) error {
	result := s.db.Where("id = ?", id).Delete(model)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
