package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"roadside-dispatch/internal/domain/geo"
	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/config"
	"roadside-dispatch/internal/general/logger"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "tracking:latest:"

// NewClient connects to Redis and verifies it with a bounded ping.
func NewClient(ctx context.Context, cfg *config.Config, log *logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info(ctx, "redis_connected", "Connected to Redis", map[string]any{
		"addr": cfg.Redis.Addr,
		"db":   cfg.Redis.DB,
	})
	return client, nil
}

// LatestStore keeps the most recent sample per booking and party so a party
// that reconnects can be caught up.
type LatestStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLatestStore builds a store whose keys expire after ttl (0 keeps them
// until the booking closes).
func NewLatestStore(client *redis.Client, ttl time.Duration) *LatestStore {
	return &LatestStore{client: client, ttl: ttl}
}

func sampleKey(bookingID string, party user.Party) string {
	return keyPrefix + bookingID + ":" + party.String()
}

func (s *LatestStore) Put(ctx context.Context, bookingID string, party user.Party, sample geo.Sample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sampleKey(bookingID, party), data, s.ttl).Err()
}

func (s *LatestStore) Get(ctx context.Context, bookingID string, party user.Party) (geo.Sample, bool, error) {
	val, err := s.client.Get(ctx, sampleKey(bookingID, party)).Bytes()
	if errors.Is(err, redis.Nil) {
		return geo.Sample{}, false, nil
	}
	if err != nil {
		return geo.Sample{}, false, err
	}

	var sample geo.Sample
	if err := json.Unmarshal(val, &sample); err != nil {
		return geo.Sample{}, false, fmt.Errorf("redis: corrupt sample at %s: %w", sampleKey(bookingID, party), err)
	}
	return sample, true, nil
}

func (s *LatestStore) Delete(ctx context.Context, bookingID string) error {
	return s.client.Del(ctx,
		sampleKey(bookingID, user.PartyRequester),
		sampleKey(bookingID, user.PartyMechanic),
	).Err()
}
