package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"go.uber.org/zap"

	"mailadmin/backend/internal/app"
	"mailadmin/backend/internal/config"
	"mailadmin/backend/internal/domain"
)

// main 把域名、域名别名、账户和别名导出为 CSV，格式与 import 一致。
func main() {
	actorName := flag.String("actor", "", "以该账户的可见范围导出，默认导出全部")
	sep := flag.String("sep", ";", "字段分隔符")
	output := flag.String("o", "-", "输出文件，- 表示标准输出")
	flag.Parse()

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

	ctx := context.Background()
	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		log.Fatal("failed to initialize", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("failed to release resources", zap.Error(err))
		}
	}()

	var actor *domain.User
	if *actorName != "" {
		if actor, err = a.Accounts.GetByUsername(*actorName); err != nil {
			log.Error("unknown actor", zap.String("actor", *actorName), zap.Error(err))
			return
		}
	}

	if err := export(ctx, a, actor, *output, separator); err != nil {
		log.Error("export failed", zap.Error(err))
		return
	}
	log.Info("export completed", zap.String("output", *output))
}

func export(ctx context.Context, a *app.App, actor *domain.User, output string, separator rune) error {
	var w io.Writer = os.Stdout
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	buf := bufio.NewWriter(w)
	if err := a.Export.Export(ctx, actor, buf, separator); err != nil {
		return err
	}
	return buf.Flush()
}
