package db

import (
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/owui/chatbot-server/internal/bot"
	"github.com/owui/chatbot-server/internal/chat"
	"github.com/owui/chatbot-server/internal/contact"
	"github.com/owui/chatbot-server/internal/ratelimit"
	"github.com/owui/chatbot-server/internal/seclog"
)

// Connect opens a MySQL connection pool with sane defaults.
func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return gdb, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&bot.Chatbot{},
		&chat.Session{},
		&chat.Message{},
		&contact.Record{},
		&ratelimit.Counter{},
		&ratelimit.Violation{},
		&ratelimit.Ban{},
		&seclog.Event{},
	)
}
