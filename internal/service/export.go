package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/engine"
	"mailadmin/backend/internal/logger"
	"mailadmin/backend/internal/permission"
	"mailadmin/backend/internal/storage"
)

// ExportService 以导入兼容的格式导出数据。
type ExportService struct {
	store      storage.Store
	propagator *permission.Propagator
	auth       *permission.Authorizer
	log        *zap.Logger
}

// NewExportService 创建导出服务。
func NewExportService(store storage.Store, eng *engine.Engine, log *zap.Logger) *ExportService {
	return &ExportService{
		store:      store,
		propagator: eng.Propagator(),
		auth:       eng.Propagator().Authorizer(),
		log:        logger.OrNop(log),
	}
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// ExportAccount 导出账户行：基础字段后依次是邮箱配额（没有邮箱时为空）
// 和域名管理员可管理的域名。
func (s *ExportService) ExportAccount(u *domain.User) ([]string, error) {
	row := []string{
		"account",
		u.Username,
		u.PasswordHash,
		u.FirstName,
		u.LastName,
		formatBool(u.IsActive),
		string(u.Role),
		u.Email,
	}

	quota := ""
	mb, err := s.store.GetMailboxByUserID(u.ID)
	if found, err := exists(err); err != nil {
		return nil, err
	} else if found {
		quota = strconv.FormatInt(mb.Quota, 10)
	}
	row = append(row, quota)

	if u.Role == domain.RoleDomainAdmins {
		domains, err := s.propagator.DomainsFor(s.store, u)
		if err != nil {
			return nil, err
		}
		for _, d := range domains {
			row = append(row, d.Name)
		}
	}
	return row, nil
}

// ExportAlias 导出用户别名行
func (s *ExportService) ExportAlias(alias *domain.Alias) ([]string, error) {
	recipients, err := s.store.ListAliasRecipients(alias.ID)
	if err != nil {
		return nil, err
	}
	row := []string{"alias", alias.Address, formatBool(alias.Enabled)}
	for _, r := range recipients {
		row = append(row, r.Address)
	}
	return row, nil
}

// Export 导出 actor 可见的域名、域名别名、账户和用户别名。actor 为 nil 时导出全部。
func (s *ExportService) Export(ctx context.Context, actor *domain.User, w io.Writer, separator rune) error {
	if separator == 0 {
		separator = ';'
	}
	writer := csv.NewWriter(w)
	writer.Comma = separator

	rows, err := s.rows(ctx, actor)
	if err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	s.log.Info("export finished", zap.Int("rows", len(rows)))
	return nil
}

func (s *ExportService) rows(ctx context.Context, actor *domain.User) ([][]string, error) {
	var domains []*domain.Domain
	var err error
	if actor == nil {
		domains, err = s.store.ListDomains()
	} else {
		domains, err = s.propagator.DomainsFor(s.store, actor)
	}
	if err != nil {
		return nil, err
	}
	visible := make(map[string]bool, len(domains))

	var rows [][]string
	for _, d := range domains {
		visible[d.ID] = true
		rows = append(rows, []string{
			"domain",
			d.Name,
			strconv.FormatInt(d.Quota, 10),
			strconv.FormatInt(d.DefaultMailboxQuota, 10),
			formatBool(d.Enabled),
		})
	}

	domainAliases, err := s.store.ListDomainAliases()
	if err != nil {
		return nil, err
	}
	for _, da := range domainAliases {
		if !visible[da.TargetID] {
			continue
		}
		target, err := s.store.GetDomain(da.TargetID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, []string{"domainalias", da.Name, target.Name, formatBool(da.Enabled)})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers()
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if ok, err := s.canSee(actor, domain.Ref(domain.ObjectUser, u.ID)); err != nil {
			return nil, err
		} else if !ok {
			continue
		}
		row, err := s.ExportAccount(u)
		if err != nil {
			return nil, fmt.Errorf("export account %s: %w", u.Username, err)
		}
		rows = append(rows, row)
	}

	aliases, err := s.store.ListAliases()
	if err != nil {
		return nil, err
	}
	for _, alias := range aliases {
		if alias.Internal || alias.DomainID == nil || !visible[*alias.DomainID] {
			continue
		}
		row, err := s.ExportAlias(alias)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *ExportService) canSee(actor *domain.User, ref domain.ObjectRef) (bool, error) {
	if actor == nil {
		return true, nil
	}
	return s.auth.CanAccess(s.store, actor, ref)
}
