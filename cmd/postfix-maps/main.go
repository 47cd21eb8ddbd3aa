package main

import (
	"flag"
	"fmt"
	"os"

	"mailadmin/backend/internal/config"
	"mailadmin/backend/internal/postfix"
)

// main 生成 Postfix 使用的 SQL map 文件
func main() {
	dir := flag.String("dir", "./postfix", "输出目录")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("错误: 无法加载配置: %v\n", err)
		os.Exit(1)
	}

	conn, err := postfix.ConnectionFromConfig(cfg.Database)
	if err != nil {
		fmt.Printf("错误: %v\n", err)
		os.Exit(1)
	}

	written, err := postfix.WriteAll(*dir, conn)
	if err != nil {
		fmt.Printf("错误: %v\n", err)
		os.Exit(1)
	}
	for _, name := range written {
		fmt.Printf("✓ %s\n", name)
	}
}
