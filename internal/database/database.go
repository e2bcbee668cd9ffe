package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shellport/shellport/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

var ErrServerNotFound = errors.New("server not found")

// Init opens the configured database into DB.
// Must be called after config.Load().
func Init() error {
	db, err := Open(config.Cfg.DatabasePath)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open opens (creating if needed) a SQLite database at path in WAL mode and
// migrates the schema.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Setting{}, &VaultConfig{}, &VaultKey{}, &KeyUsage{}, &Server{}, &AuditLog{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return db, nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Server helpers

func GetServer(db *gorm.DB, id string) (*Server, error) {
	var s Server
	if err := db.Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrServerNotFound
		}
		return nil, err
	}
	return &s, nil
}

func ListServers(db *gorm.DB) ([]Server, error) {
	var servers []Server
	if err := db.Order("name ASC").Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}

// SaveServer inserts or fully replaces a server row by ID.
func SaveServer(db *gorm.DB, s *Server) error {
	return db.Save(s).Error
}

// DeleteServer removes a server and the key usage rows that reference it.
func DeleteServer(db *gorm.DB, id string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("server_id = ?", id).Delete(&KeyUsage{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Server{}).Error
	})
}
