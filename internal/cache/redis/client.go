package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cdd-agent/backend/internal/session"
	"github.com/cdd-agent/backend/pkg/config"
	"github.com/cdd-agent/backend/pkg/logger"
)

// Client stores mapping sessions and cached embeddings. It satisfies
// session.Store; every write refreshes the session's idle TTL.
type Client struct {
	client     *redis.Client
	prefix     string
	sessionTTL time.Duration
}

func NewClient(cfg config.RedisConfig, sessionTTL time.Duration) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", addr))

	return NewFromRedis(client, cfg.KeyPrefix, sessionTTL), nil
}

func NewFromRedis(client *redis.Client, prefix string, sessionTTL time.Duration) *Client {
	if prefix == "" {
		prefix = "cdd"
	}
	return &Client{client: client, prefix: prefix, sessionTTL: sessionTTL}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", c.prefix, id)
}

func (c *Client) Create(ctx context.Context, s *session.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := c.client.SetNX(ctx, c.sessionKey(s.ID), data, c.sessionTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	if !ok {
		return session.ErrStaleState
	}

	logger.Debug("Session stored", zap.String("session_id", s.ID), zap.Duration("ttl", c.sessionTTL))
	return nil
}

func (c *Client) Get(ctx context.Context, id string) (*session.Session, error) {
	data, err := c.client.Get(ctx, c.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s session.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

// Put replaces the session only if the stored version still equals
// expectedVersion. Writers in other processes are caught by WATCH.
func (c *Client) Put(ctx context.Context, s *session.Session, expectedVersion int64) error {
	key := c.sessionKey(s.ID)

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return session.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read session: %w", err)
		}

		var stored struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(current, &stored); err != nil {
			return fmt.Errorf("failed to unmarshal session version: %w", err)
		}
		if stored.Version != expectedVersion {
			return session.ErrStaleState
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.sessionTTL)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return session.ErrStaleState
	}
	return err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, c.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (c *Client) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	err = c.client.Set(ctx, fmt.Sprintf("%s:embedding:%s", c.prefix, textHash), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}

	logger.Debug("Embedding cached", zap.String("text_hash", textHash))
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("%s:embedding:%s", c.prefix, textHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	logger.Debug("Embedding cache hit", zap.String("text_hash", textHash))
	return embedding, true, nil
}
