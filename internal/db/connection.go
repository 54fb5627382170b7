// Package db opens the history database and defines its tables.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Transfer is one finished file transfer. File bytes are not kept.
type Transfer struct {
	ID          uint   `gorm:"primaryKey"`
	TransferID  string `gorm:"uniqueIndex;not null"`
	PeerID      string `gorm:"index;not null"`
	PeerName    string
	Direction   string `gorm:"not null"`
	Filename    string `gorm:"not null"`
	Path        string
	Size        int64
	TotalChunks int
	State       string `gorm:"not null"`
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time `gorm:"index"`
}

// Peer is the last known record of a discovered peer.
type Peer struct {
	ID          uint   `gorm:"primaryKey"`
	PeerID      string `gorm:"uniqueIndex;not null"`
	DisplayName string
	Addresses   string
	Port        int
	LastSeen    time.Time
}

// Open opens the sqlite database at path, creating parent directories, and
// migrates the schema. ":memory:" opens a private in-memory database.
func Open(path string) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps ":memory:" a single database.
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.AutoMigrate(&Transfer{}, &Peer{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return gdb, nil
}

func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
