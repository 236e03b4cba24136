// Package db owns the lifecycle of the durable message store: one store per
// profile, opened once at process start and closed at shutdown.
package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zulandar/palaver/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MemoryPath opens an ephemeral sqlite store.
const MemoryPath = ":memory:"

// Store is an open, migrated message store.
type Store struct {
	DB     *gorm.DB
	Driver string
}

// DSN builds a MySQL DSN for a shared store.
func DSN(user, host string, port int, database string) string {
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC", user, host, port, database)
}

// Open connects to the configured store and brings its schema up to date.
func Open(cfg config.StoreConfig) (*Store, error) {
	gormDB, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(gormDB); err != nil {
		closeDB(gormDB)
		return nil, err
	}
	return &Store{DB: gormDB, Driver: cfg.Driver}, nil
}

// Connect opens a GORM connection for the configured driver without
// migrating.
func Connect(cfg config.StoreConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	switch cfg.Driver {
	case config.DriverSQLite, "":
		path := cfg.Path
		if path == "" {
			path = MemoryPath
		}
		if path != MemoryPath {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("db: create store dir for %s: %w", path, err)
			}
		}
		gormDB, err := gorm.Open(sqlite.Open(sqliteDSN(path)), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
		}
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
		}
		// A single connection keeps ":memory:" stores coherent and makes
		// the store single-writer.
		sqlDB.SetMaxOpenConns(1)
		return gormDB, nil

	case config.DriverMySQL:
		dsn := DSN(cfg.User, cfg.Host, cfg.Port, cfg.Database)
		gormDB, err := gorm.Open(mysql.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
		}
		return gormDB, nil
	}

	return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
}

// Close releases the store's connections.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return fmt.Errorf("db: close: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("db: close: %w", err)
	}
	return nil
}

func sqliteDSN(path string) string {
	if path == MemoryPath {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL"
}

func closeDB(gormDB *gorm.DB) {
	if sqlDB, err := gormDB.DB(); err == nil {
		sqlDB.Close()
	}
}
