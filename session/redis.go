package session

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "session:"

// RedisStore keeps dialogs in Redis so they survive bot restarts
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and verifies the connection
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	if redisURL == "" {
		return nil, errors.New("redis URL must be provided")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis URL")
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	log.Info().Str("addr", opts.Addr).Msg("Session store connected to redis")
	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func redisKey(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}

// Enter stores d under the user's key, refreshing its TTL
func (s *RedisStore) Enter(ctx context.Context, userID int64, d Dialog) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "failed to encode dialog")
	}
	if err := s.client.Set(ctx, redisKey(userID), payload, s.ttl).Err(); err != nil {
		return errors.Wrapf(err, "failed to store dialog for user %d", userID)
	}
	return nil
}

// Get loads the user's dialog. Unreadable entries are deleted.
func (s *RedisStore) Get(ctx context.Context, userID int64) (Dialog, bool, error) {
	payload, err := s.client.Get(ctx, redisKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Dialog{}, false, nil
	}
	if err != nil {
		return Dialog{}, false, errors.Wrapf(err, "failed to read dialog for user %d", userID)
	}

	var d Dialog
	if err := json.Unmarshal(payload, &d); err != nil {
		// A corrupt entry behaves like no dialog; the owner can resume manually.
		log.Warn().Err(err).Int64("user_id", userID).Msg("Dropping unreadable session")
		return Dialog{}, false, s.Clear(ctx, userID)
	}
	return d, true, nil
}

// Clear ends the user's dialog
func (s *RedisStore) Clear(ctx context.Context, userID int64) error {
	if err := s.client.Del(ctx, redisKey(userID)).Err(); err != nil {
		return errors.Wrapf(err, "failed to clear dialog for user %d", userID)
	}
	return nil
}

// Close releases the redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
