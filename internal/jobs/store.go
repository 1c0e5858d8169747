package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "docstream:job:"
)

// RedisStore はジョブのスナップショットを Redis に保存する Mirror 実装です。
// 別プロセスからの状態照会や、メモリから掃除された後の照会に使われます。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Ping は Redis への接続を確認します。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Save はジョブのスナップショットを保存します。
func (s *RedisStore) Save(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	return s.rdb.Set(ctx, jobKey(job.ID), payload, s.ttl).Err()
}

// Load はジョブのスナップショットを取得します。存在しない場合は (nil, nil) を返します。
func (s *RedisStore) Load(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

// Close は Redis クライアントを閉じます。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
