// Package postfix 定义供 Postfix 查询的 SQL map 文件
package postfix

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"

	"mailadmin/backend/internal/config"
)

// Dialect SQL 方言
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
)

// MapDefinition 一个 map 文件：文件名和各方言下的查询，%s 由 Postfix 替换为查询键
type MapDefinition struct {
	Name     string
	Filename string
	Queries  map[Dialect]string
}

// Query 返回指定方言的查询
func (m MapDefinition) Query(dialect Dialect) (string, error) {
	q, ok := m.Queries[dialect]
	if !ok {
		return "", fmt.Errorf("map %s has no %s query", m.Name, dialect)
	}
	return q, nil
}

var (
	// DomainsMap 启用的域名及其启用的域名别名
	DomainsMap = MapDefinition{
		Name:     "domains",
		Filename: "sql-domains.cf",
		Queries: map[Dialect]string{
			MySQL: "SELECT name FROM domains WHERE name='%s' AND enabled=1 " +
				"UNION SELECT da.name FROM domain_aliases AS da INNER JOIN domains AS d ON da.target_id=d.id " +
				"WHERE da.name='%s' AND da.enabled=1 AND d.enabled=1",
			Postgres: "SELECT name FROM domains WHERE name='%s' AND enabled " +
				"UNION SELECT da.name FROM domain_aliases AS da INNER JOIN domains AS d ON da.target_id=d.id " +
				"WHERE da.name='%s' AND da.enabled AND d.enabled",
		},
	}

	// DomainsAliasesMap 域名别名到目标域名
	DomainsAliasesMap = MapDefinition{
		Name:     "domain_aliases",
		Filename: "sql-domain-aliases.cf",
		Queries: map[Dialect]string{
			MySQL: "SELECT d.name FROM domain_aliases AS da INNER JOIN domains AS d ON da.target_id=d.id " +
				"WHERE da.name='%s' AND da.enabled=1 AND d.enabled=1",
			Postgres: "SELECT d.name FROM domain_aliases AS da INNER JOIN domains AS d ON da.target_id=d.id " +
				"WHERE da.name='%s' AND da.enabled AND d.enabled",
		},
	}

	// AliasesMap 别名地址到接收者
	AliasesMap = MapDefinition{
		Name:     "aliases",
		Filename: "sql-aliases.cf",
		Queries: map[Dialect]string{
			MySQL: "SELECT r.address FROM alias_recipients AS r INNER JOIN aliases AS a ON r.alias_id=a.id " +
				"WHERE a.enabled=1 AND a.address='%s'",
			Postgres: "SELECT r.address FROM alias_recipients AS r INNER JOIN aliases AS a ON r.alias_id=a.id " +
				"WHERE a.enabled AND a.address='%s'",
		},
	}

	// MaintainMap 所属域名被停用的邮箱暂时拒收
	MaintainMap = MapDefinition{
		Name:     "maintain",
		Filename: "sql-maintain.cf",
		Queries: map[Dialect]string{
			MySQL: "SELECT '450 Requested mail action not taken: mailbox unavailable' " +
				"FROM mailboxes AS m INNER JOIN domains AS d ON m.domain_id=d.id " +
				"WHERE CONCAT(m.address, '@', d.name)='%s' AND d.enabled=0",
			Postgres: "SELECT '450 Requested mail action not taken: mailbox unavailable' " +
				"FROM mailboxes AS m INNER JOIN domains AS d ON m.domain_id=d.id " +
				"WHERE m.address || '@' || d.name='%s' AND NOT d.enabled",
		},
	}

	// SenderLoginMap 发件地址到允许使用它的登录名：邮箱所有者和别名指向的邮箱所有者
	SenderLoginMap = MapDefinition{
		Name:     "sender_login",
		Filename: "sql-sender-login-map.cf",
		Queries: map[Dialect]string{
			MySQL: "SELECT u.username FROM users AS u " +
				"INNER JOIN mailboxes AS m ON m.user_id=u.id INNER JOIN domains AS d ON m.domain_id=d.id " +
				"WHERE u.is_active=1 AND CONCAT(m.address, '@', d.name)='%s' " +
				"UNION SELECT u.username FROM users AS u " +
				"INNER JOIN mailboxes AS m ON m.user_id=u.id " +
				"INNER JOIN alias_recipients AS r ON r.r_mailbox_id=m.id " +
				"INNER JOIN aliases AS a ON r.alias_id=a.id " +
				"WHERE u.is_active=1 AND a.enabled=1 AND a.address='%s'",
			Postgres: "SELECT u.username FROM users AS u " +
				"INNER JOIN mailboxes AS m ON m.user_id=u.id INNER JOIN domains AS d ON m.domain_id=d.id " +
				"WHERE u.is_active AND m.address || '@' || d.name='%s' " +
				"UNION SELECT u.username FROM users AS u " +
				"INNER JOIN mailboxes AS m ON m.user_id=u.id " +
				"INNER JOIN alias_recipients AS r ON r.r_mailbox_id=m.id " +
				"INNER JOIN aliases AS a ON r.alias_id=a.id " +
				"WHERE u.is_active AND a.enabled AND a.address='%s'",
		},
	}
)

// Register 返回管理模块提供的全部 map 定义
func Register() []MapDefinition {
	return []MapDefinition{
		DomainsMap,
		DomainsAliasesMap,
		AliasesMap,
		MaintainMap,
		SenderLoginMap,
	}
}

// Connection map 文件中的数据库连接参数
type Connection struct {
	Dialect  Dialect
	User     string
	Password string
	Host     string
	DBName   string
}

// ConnectionFromConfig 从数据库 DSN 解析连接参数
func ConnectionFromConfig(cfg config.DatabaseConfig) (Connection, error) {
	switch Dialect(cfg.Type) {
	case MySQL:
		dsn, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return Connection{}, fmt.Errorf("parse mysql dsn: %w", err)
		}
		host := dsn.Addr
		if h, _, err := net.SplitHostPort(dsn.Addr); err == nil {
			host = h
		}
		return Connection{Dialect: MySQL, User: dsn.User, Password: dsn.Passwd, Host: host, DBName: dsn.DBName}, nil
	case Postgres:
		pc, err := pgx.ParseConfig(cfg.DSN)
		if err != nil {
			return Connection{}, fmt.Errorf("parse postgres dsn: %w", err)
		}
		return Connection{Dialect: Postgres, User: pc.User, Password: pc.Password, Host: pc.Host, DBName: pc.Database}, nil
	default:
		return Connection{}, fmt.Errorf("postfix maps need a mysql or postgres database, got %q", cfg.Type)
	}
}

// Render 输出 map 文件内容
func Render(w io.Writer, def MapDefinition, conn Connection) error {
	query, err := def.Query(conn.Dialect)
	if err != nil {
		return err
	}
	lines := []string{
		"# This file was generated by mailadmin. Do not edit.",
		"user = " + conn.User,
		"password = " + conn.Password,
		"dbname = " + conn.DBName,
		"hosts = " + conn.Host,
		"query = " + query,
	}
	_, err = io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}

// WriteAll 把全部 map 文件写入 dir，返回写入的文件名
func WriteAll(dir string, conn Connection) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create map directory: %w", err)
	}

	var written []string
	for _, def := range Register() {
		path := filepath.Join(dir, def.Filename)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
		if err != nil {
			return written, fmt.Errorf("open %s: %w", path, err)
		}
		err = Render(f, def, conn)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, def.Filename)
	}
	sort.Strings(written)
	return written, nil
}
