package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Supported store drivers
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Config holds database configuration
// ARCHITECTURAL DISCOVERY: Configuration struct provides all database settings
// needed for production deployment without hardcoded values
type Config struct {
	Driver           string        `json:"driver"`
	DatabasePath     string        `json:"database_path"`
	MaxConnections   int           `json:"max_connections"`
	ConnMaxLifetime  time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime  time.Duration `json:"conn_max_idle_time"`
	MigrationsPath   string        `json:"migrations_path"` // empty uses the embedded migrations
	MongoURI         string        `json:"mongo_uri"`
	MongoDatabase    string        `json:"mongo_database"`
	OperationTimeout time.Duration `json:"operation_timeout"`
}

// DefaultConfig returns production-ready database configuration
// FUNCTIONAL DISCOVERY: SQLite performs well with 10 connections for
// care-team scale concurrent access
func DefaultConfig() *Config {
	return &Config{
		Driver:           DriverSQLite,
		DatabasePath:     "./data/wiicare.db",
		MaxConnections:   10, // SQLite recommended limit for concurrent access
		ConnMaxLifetime:  time.Hour,
		ConnMaxIdleTime:  time.Minute * 10,
		MongoDatabase:    "wiicare",
		OperationTimeout: 5 * time.Second,
	}
}

// Validate ensures the configuration is valid
// TECHNICAL DISCOVERY: Configuration validation prevents runtime failures
// from invalid database settings
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			return errors.New("database path cannot be empty")
		}
		if c.MaxConnections <= 0 {
			return errors.New("max connections must be greater than 0")
		}
		if c.ConnMaxLifetime <= 0 {
			return errors.New("connection max lifetime must be greater than 0")
		}
		if c.ConnMaxIdleTime <= 0 {
			return errors.New("connection max idle time must be greater than 0")
		}
	case DriverMongo:
		if c.MongoURI == "" {
			return errors.New("mongo uri cannot be empty")
		}
		if c.MongoDatabase == "" {
			return errors.New("mongo database cannot be empty")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	if c.OperationTimeout <= 0 {
		return errors.New("operation timeout must be greater than 0")
	}
	return nil
}

// DSN returns the sqlite3 connection string with per-connection pragmas
func (c *Config) DSN() string {
	return c.DatabasePath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// SQLite optimization pragmas
// ARCHITECTURAL DISCOVERY: WAL mode enables concurrent reads while maintaining
// single-writer pattern required by the Manager implementation
var sqliteOptimizations = []string{
	"PRAGMA journal_mode = WAL",   // Write-Ahead Logging for concurrency
	"PRAGMA synchronous = NORMAL", // Balance safety and performance
	"PRAGMA cache_size = -64000",  // 64MB cache (negative = KB)
	"PRAGMA temp_store = MEMORY",  // Use memory for temporary tables
	"PRAGMA foreign_keys = ON",    // Enforce foreign key constraints
	"PRAGMA busy_timeout = 5000",  // 5 second timeout for locked database
}

// ApplySQLiteOptimizations applies performance pragmas to the database connection
func ApplySQLiteOptimizations(db *sql.DB) error {
	for _, pragma := range sqliteOptimizations {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
