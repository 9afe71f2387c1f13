package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a conversation is unknown or has expired.
var ErrNotFound = errors.New("conversation: not found")

// Store keeps contexts keyed by conversation ID. Operations on a single
// key are atomic.
type Store interface {
	Get(ctx context.Context, id string) (*Context, error)
	Put(ctx context.Context, c *Context) error
	Delete(ctx context.Context, id string) error
}

// StoreConfig configures Open.
type StoreConfig struct {
	// Kind is "memory" or "redis".
	Kind string

	// TTL is the inactivity window after which a conversation expires.
	TTL time.Duration

	// MaxConversations bounds the in-memory store.
	MaxConversations int

	// RedisURL and RedisPrefix configure the redis store.
	RedisURL    string
	RedisPrefix string

	Logger *slog.Logger
}

// Open builds the store described by cfg.
func Open(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Kind {
	case "", "memory":
		return NewMemoryStore(cfg.MaxConversations, cfg.TTL), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("conversation: parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("conversation: connect to redis: %w", err)
		}
		return NewRedisStore(client, cfg.RedisPrefix, cfg.TTL, cfg.Logger), nil
	default:
		return nil, fmt.Errorf("conversation: unknown store kind %q", cfg.Kind)
	}
}

// GetOrCreate returns the stored context for id, creating and storing a
// new one when none exists.
func GetOrCreate(ctx context.Context, s Store, id, systemPrompt string, limits Limits) (*Context, error) {
	c, err := s.Get(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	c = New(id, systemPrompt, limits)
	if err := s.Put(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// MemoryStore is an in-process Store with LRU eviction and an inactivity
// TTL. Put refreshes a conversation's expiry.
type MemoryStore struct {
	lru *expirable.LRU[string, *Context]
}

// NewMemoryStore creates a store holding at most size conversations, each
// expiring ttl after its last Put. A non-positive ttl disables expiry.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 10000
	}
	if ttl < 0 {
		ttl = 0
	}
	return &MemoryStore{lru: expirable.NewLRU[string, *Context](size, nil, ttl)}
}

// Get returns the live context for id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Context, error) {
	c, ok := s.lru.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Put stores c and restarts its TTL.
func (s *MemoryStore) Put(_ context.Context, c *Context) error {
	s.lru.Add(c.ID(), c)
	return nil
}

// Delete removes id. Deleting an unknown ID is not an error.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.lru.Remove(id)
	return nil
}

// Len returns the number of live conversations.
func (s *MemoryStore) Len() int {
	return s.lru.Len()
}

// RedisStore persists context snapshots as JSON with a TTL refreshed on
// every Put. Each Get returns an independent Context; callers Put it back
// after modifying it.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = "duplex:conversation"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With("component", "conversation.redis"),
	}
}

// Key returns the redis key for a conversation.
func (s *RedisStore) Key(id string) string {
	return s.prefix + ":" + id
}

// Get loads and decodes the snapshot for id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Context, error) {
	data, err := s.client.Get(ctx, s.Key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: redis get: %w", err)
	}
	return DecodeSnapshot(data)
}

// Put encodes c and stores it with the configured TTL.
func (s *RedisStore) Put(ctx context.Context, c *Context) error {
	data, err := EncodeSnapshot(c)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.Key(c.ID()), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("conversation: redis set: %w", err)
	}
	s.logger.Debug("stored conversation", "conversation_id", c.ID(), "bytes", len(data))
	return nil
}

// Delete removes id.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.Key(id)).Err(); err != nil {
		return fmt.Errorf("conversation: redis del: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// EncodeSnapshot serialises a context.
func EncodeSnapshot(c *Context) ([]byte, error) {
	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("conversation: encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot rebuilds a context from EncodeSnapshot output.
func DecodeSnapshot(data []byte) (*Context, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("conversation: decode snapshot: %w", err)
	}
	return Restore(snap), nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
