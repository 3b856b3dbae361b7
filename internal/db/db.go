package db

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/seangpt/chatstream/internal/chat"
	"github.com/seangpt/chatstream/internal/models"
)

// Connect opens the database and runs migrations. The handle is constructed
// once at process start and injected everywhere; there is no lazy global.
func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := gdb.AutoMigrate(
		&models.User{},
		&chat.AI{},
		&chat.Chat{},
		&chat.Message{},
		&chat.Job{},
	); err != nil {
		return nil, err
	}
	return gdb, nil
}

// Close releases the underlying connection pool.
func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
