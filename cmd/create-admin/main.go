package main

import (
	"context"
	"fmt"
	"os"

	"mailadmin/backend/internal/app"
	"mailadmin/backend/internal/config"
	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/service"
)

// main 创建超级管理员账户，并授予其全部已有对象的访问权。
func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: create-admin <username> <password> [first name] [last name]")
		os.Exit(1)
	}

	username := os.Args[1]
	password := os.Args[2]
	var firstName, lastName string
	if len(os.Args) >= 4 {
		firstName = os.Args[3]
	}
	if len(os.Args) >= 5 {
		lastName = os.Args[4]
	}

	if len(password) < 8 {
		fmt.Println("Invalid password: at least 8 characters required")
		os.Exit(1)
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Type == "" {
		fmt.Println("No database configured (MAILADMIN_DATABASE_TYPE), nothing would be persisted")
		os.Exit(1)
	}

	log, err := app.NewLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		fmt.Printf("Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	user, err := a.Accounts.Create(ctx, nil, service.CreateAccountInput{
		Username:  username,
		Password:  password,
		FirstName: firstName,
		LastName:  lastName,
		Role:      domain.RoleSuperAdmins,
		IsActive:  true,
	})
	if err != nil {
		fmt.Printf("Failed to create user: %v\n", err)
		a.Close()
		os.Exit(1)
	}

	fmt.Printf("✓ Admin user created successfully!\n")
	fmt.Printf("  ID:       %s\n", user.ID)
	fmt.Printf("  Username: %s\n", user.Username)
	fmt.Printf("  Role:     %s\n", user.Role)
}
