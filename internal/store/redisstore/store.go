// Package redisstore caches slow or frequently requested reads: the upstream
// model list and the admin dashboard stats.
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	modelsKey = "chatbot:models"
	statsKey  = "chatbot:dashboard_stats"
	botsKey   = "chatbot:active_bots"

	modelsTTL = time.Hour
	statsTTL  = 5 * time.Minute
	botsTTL   = 5 * time.Minute
)

type Store struct {
	C *redis.Client
}

func New(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Store{C: client}, nil
}

func (s *Store) Close() error { return s.C.Close() }

// GetModels returns the cached upstream model list, or redis.Nil on a miss.
func (s *Store) GetModels(ctx context.Context) ([]string, error) {
	raw, err := s.C.Get(ctx, modelsKey).Result()
	if err != nil {
		return nil, err
	}
	var models []string
	if err := json.Unmarshal([]byte(raw), &models); err != nil {
		return nil, err
	}
	return models, nil
}

func (s *Store) SetModels(ctx context.Context, models []string) error {
	b, err := json.Marshal(models)
	if err != nil {
		return err
	}
	return s.C.Set(ctx, modelsKey, b, modelsTTL).Err()
}

// GetStats fetches the cached dashboard payload into dest, or redis.Nil on a
// miss.
func (s *Store) GetStats(ctx context.Context, dest any) error {
	raw, err := s.C.Get(ctx, statsKey).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dest)
}

func (s *Store) SetStats(ctx context.Context, stats any) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return s.C.Set(ctx, statsKey, b, statsTTL).Err()
}

// InvalidateStats drops the cached dashboard payload, forcing the next read
// to recompute.
func (s *Store) InvalidateStats(ctx context.Context) error {
	return s.C.Del(ctx, statsKey).Err()
}

// GetActiveBots fetches the cached public chatbot list into dest, or
// redis.Nil on a miss.
func (s *Store) GetActiveBots(ctx context.Context, dest any) error {
	raw, err := s.C.Get(ctx, botsKey).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dest)
}

func (s *Store) SetActiveBots(ctx context.Context, bots any) error {
	b, err := json.Marshal(bots)
	if err != nil {
		return err
	}
	return s.C.Set(ctx, botsKey, b, botsTTL).Err()
}

// InvalidateActiveBots is called after admin writes so the widget sees
// changes without waiting out the TTL.
func (s *Store) InvalidateActiveBots(ctx context.Context) error {
	return s.C.Del(ctx, botsKey).Err()
}
