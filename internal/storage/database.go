package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"docchat/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured SQL database.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if dbCfg.DSN == ":memory:" {
			// every pooled connection would get its own empty database
			db.SetMaxOpenConns(1)
		}
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			params := dbCfg.Params
			if params == "" {
				// uploaded_at is scanned into time.Time
				params = "charset=utf8mb4&parseTime=true"
			}
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS uploaded_files (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				file_uri TEXT NOT NULL,
				file_name TEXT NOT NULL,
				mime_type TEXT NOT NULL,
				uploaded_by TEXT NOT NULL,
				uploaded_at DATETIME NOT NULL,
				size INTEGER NOT NULL
			)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS uploaded_files (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				file_uri TEXT NOT NULL,
				file_name VARCHAR(255) NOT NULL,
				mime_type VARCHAR(255) NOT NULL,
				uploaded_by VARCHAR(255) NOT NULL,
				uploaded_at DATETIME(6) NOT NULL,
				size BIGINT NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
