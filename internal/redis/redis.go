package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docchat/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// Client wraps go-redis client to centralize configuration.
type Client struct {
	inner *redis.Client
}

// ErrCacheMiss mirrors redis.Nil for callers.
var ErrCacheMiss = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

// NewRedisClient creates the redis client from app config.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	host := cfg.Redis.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Redis.Port
	if port == 0 {
		port = 6379
	}

	return Dial(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// Dial connects with explicit options and verifies the server responds.
func Dial(opts *redis.Options) (*Client, error) {
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return Wrap(client), nil
}

// Wrap adopts an existing go-redis client without contacting the server.
func Wrap(client *redis.Client) *Client {
	return &Client{inner: client}
}

// Range returns every element of the list stored at key.
func (c *Client) Range(ctx context.Context, key string) ([]string, error) {
	if c == nil || c.inner == nil {
		return nil, errNotInitialized
	}
	return c.inner.LRange(ctx, key, 0, -1).Result()
}

// Push appends values to the tail of the list stored at key.
func (c *Client) Push(ctx context.Context, key string, values ...interface{}) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	if len(values) == 0 {
		return nil
	}
	return c.inner.RPush(ctx, key, values...).Err()
}

// Del removes provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	if len(keys) == 0 {
		return nil
	}
	return c.inner.Del(ctx, keys...).Err()
}

// Publish sends payload to every subscriber of channel.
func (c *Client) Publish(ctx context.Context, channel string, payload interface{}) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	return c.inner.Publish(ctx, channel, payload).Err()
}

// Subscribe delivers messages published on channel to handler until ctx is
// done. It returns once the subscription is confirmed by the server.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func(payload string)) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	pubsub := c.inner.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()
	return nil
}

// Close closes client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes underlying go-redis client.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
