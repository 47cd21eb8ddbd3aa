package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/engine"
	"mailadmin/backend/internal/logger"
	"mailadmin/backend/internal/monitoring"
	"mailadmin/backend/internal/storage"
)

// ImportOptions 批量导入选项
type ImportOptions struct {
	// Separator 字段分隔符，默认 ';'
	Separator rune
	// ContinueIfExists 对象已存在时跳过该行
	ContinueIfExists bool
}

// RowImporter 导入单行数据，row[0] 为对象类型
type RowImporter func(ctx context.Context, importer *domain.User, row []string, opts ImportOptions) error

// RowError 某一行导入失败的原因
type RowError struct {
	Line int
	Type string
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d (%s): %v", e.Line, e.Type, e.Err)
}

// ImportReport 批量导入结果，每行独立
type ImportReport struct {
	Imported int
	Skipped  int
	Errors   []RowError
}

// ImportService 批量导入域名、域名别名、账户和别名。
type ImportService struct {
	store         storage.Store
	engine        *engine.Engine
	domains       *DomainService
	domainAliases *DomainAliasService
	accounts      *AccountService
	mailboxes     *MailboxService
	aliases       *AliasService
	metrics       *monitoring.Metrics
	log           *zap.Logger
}

// NewImportService 创建导入服务。
func NewImportService(
	store storage.Store,
	eng *engine.Engine,
	domains *DomainService,
	domainAliases *DomainAliasService,
	accounts *AccountService,
	mailboxes *MailboxService,
	aliases *AliasService,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) *ImportService {
	return &ImportService{
		store:         store,
		engine:        eng,
		domains:       domains,
		domainAliases: domainAliases,
		accounts:      accounts,
		mailboxes:     mailboxes,
		aliases:       aliases,
		metrics:       metrics,
		log:           logger.OrNop(log),
	}
}

// ImportFunc 根据对象类型返回导入函数
func (s *ImportService) ImportFunc(objectType string) (RowImporter, error) {
	switch strings.ToLower(strings.TrimSpace(objectType)) {
	case "domain":
		return s.importDomain, nil
	case "domainalias":
		return s.importDomainAlias, nil
	case "account":
		return s.importAccount, nil
	case "alias", "forward", "dlist":
		return s.importAlias, nil
	default:
		return nil, domain.Validation("type", fmt.Sprintf("unsupported object type %q", objectType))
	}
}

// Import 逐行导入 CSV 数据，单行失败不影响其他行
func (s *ImportService) Import(ctx context.Context, importer *domain.User, r io.Reader, opts ImportOptions) (*ImportReport, error) {
	if opts.Separator == 0 {
		opts.Separator = ';'
	}
	reader := csv.NewReader(r)
	reader.Comma = opts.Separator
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	report := &ImportReport{}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return report, fmt.Errorf("read import data: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if err := ctx.Err(); err != nil {
			return report, err
		}
		for i := range row {
			row[i] = strings.TrimSpace(row[i])
		}
		if len(row) == 0 || row[0] == "" {
			continue
		}

		objectType := strings.ToLower(row[0])
		err = s.ImportRow(ctx, importer, row, opts)
		s.metrics.RecordImportRow(objectType, err)
		switch {
		case err == nil:
			report.Imported++
		case opts.ContinueIfExists && errors.Is(err, domain.ErrConflict):
			report.Skipped++
		default:
			report.Errors = append(report.Errors, RowError{Line: line, Type: objectType, Err: err})
			s.log.Warn("import row failed",
				zap.Int("line", line),
				zap.String("type", objectType),
				zap.Error(err),
			)
		}
	}

	s.log.Info("import finished",
		zap.Int("imported", report.Imported),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", len(report.Errors)),
	)
	return report, nil
}

// ImportRow 导入单行
func (s *ImportService) ImportRow(ctx context.Context, importer *domain.User, row []string, opts ImportOptions) error {
	if len(row) == 0 {
		return domain.Validation("type", "empty row")
	}
	fn, err := s.ImportFunc(row[0])
	if err != nil {
		return err
	}
	return fn(ctx, importer, row, opts)
}

func requireFields(row []string, n int, format string) error {
	if len(row) < n {
		return domain.Validation("row", fmt.Sprintf("expected %s", format))
	}
	return nil
}

// parseBool 兼容 True/False、yes/no、1/0
func parseBool(field, value string) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "yes", "y":
		return true, nil
	case "no", "n", "":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, domain.Validation(field, fmt.Sprintf("invalid boolean %q", value))
	}
	return b, nil
}

// parseQuota 空值或 0 表示继承域名配额
func parseQuota(field, value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	q, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || q < 0 {
		return 0, domain.Validation(field, fmt.Sprintf("invalid quota %q", value))
	}
	return q, nil
}

// importDomain domain; name; quota; default_mailbox_quota; enabled
func (s *ImportService) importDomain(ctx context.Context, importer *domain.User, row []string, _ ImportOptions) error {
	const format = "domain; name; quota; default mailbox quota; enabled"
	if err := requireFields(row, 5, format); err != nil {
		return err
	}
	quota, err := parseQuota("quota", row[2])
	if err != nil {
		return err
	}
	defaultQuota, err := parseQuota("default_mailbox_quota", row[3])
	if err != nil {
		return err
	}
	enabled, err := parseBool("enabled", row[4])
	if err != nil {
		return err
	}
	_, err = s.domains.Create(ctx, importer, CreateDomainInput{
		Name:                row[1],
		Quota:               quota,
		DefaultMailboxQuota: defaultQuota,
		Enabled:             enabled,
	})
	return err
}

// importDomainAlias domainalias; name; target; enabled
func (s *ImportService) importDomainAlias(ctx context.Context, importer *domain.User, row []string, _ ImportOptions) error {
	if err := requireFields(row, 4, "domainalias; name; target; enabled"); err != nil {
		return err
	}
	enabled, err := parseBool("enabled", row[3])
	if err != nil {
		return err
	}
	_, err = s.domainAliases.Create(ctx, importer, row[1], row[2], enabled)
	return err
}

// importAlias alias; address; enabled; recipient...
func (s *ImportService) importAlias(ctx context.Context, importer *domain.User, row []string, _ ImportOptions) error {
	if err := requireFields(row, 4, row[0]+"; address; enabled; recipient; ..."); err != nil {
		return err
	}
	enabled, err := parseBool("enabled", row[2])
	if err != nil {
		return err
	}
	_, err = s.aliases.Create(ctx, importer, CreateAliasInput{
		Address:    row[1],
		Enabled:    enabled,
		Recipients: row[3:],
	})
	return err
}

// importAccount account; username; password; first name; last name; enabled; role; [email; quota; domain...]
//
// 账户与邮箱在同一事务中写入，全部检查先于任何写入。
func (s *ImportService) importAccount(ctx context.Context, importer *domain.User, row []string, _ ImportOptions) error {
	const format = "account; username; password; first name; last name; enabled; role"
	if err := requireFields(row, 7, format); err != nil {
		return err
	}
	enabled, err := parseBool("enabled", row[5])
	if err != nil {
		return err
	}
	role := domain.UserRole(row[6])
	if role == "" {
		role = domain.RoleSimpleUsers
	}

	return s.store.Transaction(ctx, func(tx storage.Store) error {
		u, err := s.accounts.newAccount(tx, importer, CreateAccountInput{
			Username:  row[1],
			Password:  row[2],
			FirstName: row[3],
			LastName:  row[4],
			Role:      role,
			IsActive:  enabled,
		})
		if err != nil {
			return err
		}
		mailboxFields := row[7:]
		plan, err := s.planAccountMailbox(tx, importer, mailboxFields)
		if err != nil {
			return err
		}

		if err := s.accounts.insert(ctx, tx, importer, u); err != nil {
			return err
		}
		return s.applyAccountMailbox(ctx, tx, importer, u, plan, mailboxFields)
	})
}

// ImportAccountMailbox 处理账户行的邮箱部分：[email, quota?, domain...]
//
// 参数:
//   - importer: 执行导入的管理员
//   - account: 已存在的目标账户
//   - fields: 邮箱地址、可选配额，以及域名管理员需要管理的域名列表
//
// 域名不存在、无访问权、地址冲突、配额格式错误都会在写入前返回错误；
// 域名列表中不存在的域名直接跳过。
func (s *ImportService) ImportAccountMailbox(ctx context.Context, importer, account *domain.User, fields []string) error {
	return s.store.Transaction(ctx, func(tx storage.Store) error {
		plan, err := s.planAccountMailbox(tx, importer, fields)
		if err != nil {
			return err
		}
		if plan != nil {
			if err := s.mailboxes.checkNoMailbox(tx, account); err != nil {
				return err
			}
		}
		return s.applyAccountMailbox(ctx, tx, importer, account, plan, fields)
	})
}

// planAccountMailbox 邮箱部分的全部检查，没有邮箱地址时返回 nil
func (s *ImportService) planAccountMailbox(tx storage.Store, importer *domain.User, fields []string) (*mailboxPlan, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	email := domain.NormalizeAddress(fields[0])
	if email == "" {
		return nil, nil
	}

	plan, err := s.mailboxes.plan(tx, importer, email)
	if err != nil {
		return nil, err
	}

	var quota int64
	if len(fields) > 1 {
		if quota, err = parseQuota("quota", fields[1]); err != nil {
			return nil, err
		}
	}
	override := importer == nil || s.mailboxes.auth.CanChangeDomain(importer)
	if err := plan.mailbox.SetQuota(plan.domain, quota, override); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *ImportService) applyAccountMailbox(ctx context.Context, tx storage.Store, importer, account *domain.User, plan *mailboxPlan, fields []string) error {
	if plan != nil {
		if err := s.mailboxes.apply(ctx, tx, importer, account, plan); err != nil {
			return err
		}
	}
	if account.Role != domain.RoleDomainAdmins || len(fields) <= 2 {
		return nil
	}

	propagator := s.engine.Propagator()
	for _, name := range fields[2:] {
		name = domain.NormalizeAddress(name)
		if name == "" {
			continue
		}
		d, err := tx.GetDomainByName(name)
		if errors.Is(err, storage.ErrNotFound) {
			s.log.Debug("skip unknown domain", zap.String("domain", name), zap.String("user", account.Username))
			continue
		}
		if err != nil {
			return err
		}
		if err := propagator.AddDomainAdmin(tx, d, account); err != nil {
			return err
		}
	}
	return nil
}
