// 文件: pkg/store/db.go
// 数据库连接 - 支持 MySQL / PostgreSQL

package store

import (
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"max.com/perpcore/pkg/config"
)

var ErrStorageDisabled = errors.New("storage disabled")

// Open 按配置打开数据库并建表
// driver 为空或 none 时返回 ErrStorageDisabled，调用方退化为纯内存运行
func Open(cfg config.Storage) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "", "none":
		return nil, ErrStorageDisabled
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate 建表 (含订单表)
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(append(AllModels(), orderModel())...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
