// cmd/migrate — 手动执行数据库迁移后退出。
//
// worker/relay 启动时会自动迁移；本工具用于部署前单独跑一遍，
// 或在只读进程 (dashboard) 先行建表。
package main

import (
	"context"
	"flag"

	"github.com/chat-relay/go-relay-v2/internal/config"
	"github.com/chat-relay/go-relay-v2/internal/database"
	"github.com/chat-relay/go-relay-v2/pkg/logger"
)

func main() {
	dir := flag.String("dir", "migrations", "迁移脚本目录")
	flag.Parse()

	cfg := config.Load()
	logger.Init(cfg.AppEnv)

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("postgres connect failed", logger.Any(logger.FieldError, err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, *dir); err != nil {
		logger.Fatal("migration failed", logger.Any(logger.FieldError, err))
	}
	logger.Info("migrations up to date")
}
