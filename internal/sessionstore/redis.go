package sessionstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis-backed store. Snapshots are small JSON values under one key per role,
// expiring on their own after a week so stale sessions don't linger.

const redisKeyPrefix = "beam:session:"

const redisTTL = 7 * 24 * time.Hour

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(role Role, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.Set(context.Background(), redisKeyPrefix+string(role), raw, redisTTL).Err()
}

func (s *RedisStore) Last(role Role) (Snapshot, bool, error) {
	raw, err := s.client.Get(context.Background(), redisKeyPrefix+string(role)).Bytes()
	if err == redis.Nil {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *RedisStore) Clear(roles ...Role) error {
	if len(roles) == 0 {
		roles = []Role{RoleSender, RoleReceiver}
	}
	keys := make([]string, 0, len(roles))
	for _, r := range roles {
		keys = append(keys, redisKeyPrefix+string(r))
	}
	return s.client.Del(context.Background(), keys...).Err()
}
