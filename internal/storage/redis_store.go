package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"

	"docchat/internal/models"
	"docchat/internal/redis"
)

// RedisStore keeps the uploaded-file list as a redis list of JSON documents.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) List(ctx context.Context) ([]models.UploadedFile, error) {
	raw, err := s.client.Range(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("list uploaded files: %w", err)
	}
	files := make([]models.UploadedFile, 0, len(raw))
	for _, item := range raw {
		var f models.UploadedFile
		if err := json.Unmarshal([]byte(item), &f); err != nil {
			return nil, fmt.Errorf("decode uploaded file: %w", err)
		}
		files = append(files, f)
	}
	return files, nil
}

func (s *RedisStore) Append(ctx context.Context, f models.UploadedFile) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode uploaded file: %w", err)
	}
	if err := s.client.Push(ctx, s.key, string(data)); err != nil {
		return fmt.Errorf("append uploaded file: %w", err)
	}
	return nil
}

// RemoveAt swaps the element at index for a unique tombstone and removes the
// tombstone, inside a WATCH transaction so concurrent writers retry.
func (s *RedisStore) RemoveAt(ctx context.Context, index int) (models.UploadedFile, error) {
	if index < 0 {
		return models.UploadedFile{}, ErrIndexOutOfRange
	}
	raw := s.client.Raw()
	if raw == nil {
		return models.UploadedFile{}, errors.New("redis client not initialized")
	}

	var removed models.UploadedFile
	tombstone := "__removed__:" + ulid.Make().String()
	txf := func(tx *goredis.Tx) error {
		item, err := tx.LIndex(ctx, s.key, int64(index)).Result()
		if err != nil {
			if errors.Is(err, redis.ErrCacheMiss) {
				return ErrIndexOutOfRange
			}
			return err
		}
		if err := json.Unmarshal([]byte(item), &removed); err != nil {
			return fmt.Errorf("decode uploaded file: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.LSet(ctx, s.key, int64(index), tombstone)
			pipe.LRem(ctx, s.key, 1, tombstone)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := raw.Watch(ctx, txf, s.key)
		if err == nil {
			return removed, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrIndexOutOfRange) {
			return models.UploadedFile{}, err
		}
		return models.UploadedFile{}, fmt.Errorf("remove uploaded file: %w", err)
	}
	return models.UploadedFile{}, errors.New("remove uploaded file: too much contention")
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
