package storage

import (
	"context"
	"errors"
	"fmt"

	"docchat/internal/config"
	"docchat/internal/models"
	"docchat/internal/redis"
)

// ErrIndexOutOfRange is returned when a positional delete does not match a file.
var ErrIndexOutOfRange = errors.New("file index out of range")

// FileStore persists the ordered list of uploaded files.
type FileStore interface {
	List(ctx context.Context) ([]models.UploadedFile, error)
	Append(ctx context.Context, file models.UploadedFile) error
	RemoveAt(ctx context.Context, index int) (models.UploadedFile, error)
	Close() error
}

// OpenFileStore builds the store selected by cfg.FileStore.Backend. The redis
// backend uses rdb when it is non-nil and dials its own client otherwise;
// either way the store owns the client and closes it.
func OpenFileStore(cfg *config.Config, rdb *redis.Client) (FileStore, error) {
	switch cfg.FileStore.Backend {
	case config.StoreJSON:
		return NewJSONStore(cfg.FileStore.JSONPath), nil
	case config.StoreSQLite, config.StoreMySQL:
		db, err := Open(cfg.FileStore.Backend, cfg)
		if err != nil {
			return nil, err
		}
		if err := Migrate(db, cfg.FileStore.Backend); err != nil {
			db.Close()
			return nil, err
		}
		return NewSQLStore(db), nil
	case config.StoreRedis:
		if rdb == nil {
			var err error
			if rdb, err = redis.NewRedisClient(cfg); err != nil {
				return nil, fmt.Errorf("create redis client: %w", err)
			}
		}
		return NewRedisStore(rdb, cfg.Redis.Key), nil
	default:
		return nil, fmt.Errorf("unsupported file store backend: %s", cfg.FileStore.Backend)
	}
}
