package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unicode/utf8"

	"go.uber.org/zap"

	"mailadmin/backend/internal/app"
	"mailadmin/backend/internal/config"
	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/service"
)

// main 从 CSV 文件批量导入域名、域名别名、账户和别名。
// 每行一个对象，第一列为对象类型；单行失败不影响其他行。
func main() {
	importer := flag.String("importer", "", "执行导入的账户用户名，默认为最早的超级管理员")
	sep := flag.String("sep", ";", "字段分隔符")
	continueIfExists := flag.Bool("continue-if-exists", false, "对象已存在时跳过而不是报错")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "用法: import [-importer admin] [-sep ';'] [-continue-if-exists] <file.csv>...")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	separator, size := utf8.DecodeRuneInString(*sep)
	if size == 0 || size != len(*sep) {
		fmt.Fprintf(os.Stderr, "错误: 分隔符必须是单个字符: %q\n", *sep)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 无法加载配置: %v\n", err)
		os.Exit(1)
	}
	log, err := app.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 无法初始化日志: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		log.Fatal("failed to initialize", zap.Error(err))
	}
	code := run(ctx, a, *importer, service.ImportOptions{Separator: separator, ContinueIfExists: *continueIfExists}, flag.Args())
	if err := a.Close(); err != nil {
		log.Warn("failed to release resources", zap.Error(err))
	}
	os.Exit(code)
}

func run(ctx context.Context, a *app.App, importerName string, opts service.ImportOptions, files []string) int {
	importer, err := resolveImporter(a, importerName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		return 1
	}

	code := 0
	for _, path := range files {
		report, err := importFile(ctx, a, importer, path, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "错误: %s: %v\n", path, err)
			code = 1
			continue
		}

		fmt.Printf("%s: 导入 %d 行，跳过 %d 行，失败 %d 行\n", path, report.Imported, report.Skipped, len(report.Errors))
		for _, rowErr := range report.Errors {
			fmt.Fprintf(os.Stderr, "  %s\n", rowErr.Error())
		}
		if len(report.Errors) > 0 {
			code = 1
		}
	}
	return code
}

func importFile(ctx context.Context, a *app.App, importer *domain.User, path string, opts service.ImportOptions) (*service.ImportReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return a.Import.Import(ctx, importer, f, opts)
}

func resolveImporter(a *app.App, username string) (*domain.User, error) {
	if username != "" {
		u, err := a.Accounts.GetByUsername(username)
		if err != nil {
			return nil, fmt.Errorf("importer %s: %w", username, err)
		}
		return u, nil
	}

	admins, err := a.Store.ListSuperusers()
	if err != nil {
		return nil, err
	}
	if len(admins) == 0 {
		return nil, errors.New("no super administrator found, run create-admin first or pass -importer")
	}
	return admins[0], nil
}
