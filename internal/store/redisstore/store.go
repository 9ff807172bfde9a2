package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const statusKey = "healthsphere:inference:status"

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// GetStatus returns the cached inference status probe. ok is false on a miss.
func (s *Store) GetStatus(ctx context.Context) (json.RawMessage, bool, error) {
	b, err := s.rdb.Get(ctx, statusKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return json.RawMessage(b), true, nil
}

func (s *Store) SetStatus(ctx context.Context, status json.RawMessage, ttl time.Duration) error {
	return s.rdb.Set(ctx, statusKey, []byte(status), ttl).Err()
}
