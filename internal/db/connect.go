package db

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/zulandar/sprintyard/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL-compatible DSN for a MySQL or Dolt server.
func DSN(cfg config.DatabaseConfig) string {
	c := gomysql.NewConfig()
	c.User = cfg.User
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	c.DBName = cfg.Name
	c.ParseTime = true
	return c.FormatDSN()
}

// SQLitePath resolves the sqlite database file against the workspace root.
func SQLitePath(cfg config.DatabaseConfig, root string) string {
	if filepath.IsAbs(cfg.Path) {
		return cfg.Path
	}
	return filepath.Join(root, cfg.Path)
}

// Connect opens a GORM connection to the configured state store.
func Connect(cfg config.DatabaseConfig, root string) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	switch cfg.Driver {
	case "mysql":
		db, err := gorm.Open(mysql.Open(DSN(cfg)), gcfg)
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Name, err)
		}
		return db, nil
	case "sqlite", "":
		path := SQLitePath(cfg, root)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("db: create dir for %s: %w", path, err)
		}
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}

// OpenSQLite opens a sqlite database at path (":memory:" for tests).
// Writes are serialized through a single connection.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db: sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
