package app

import (
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-rpc/internal/model"
)

// AutoMigrate 自动迁移数据表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.RPCEndpoint{},
	)
}
