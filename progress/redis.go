package progress

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"
)

// Key suffixes shared with any client reading the store directly.
const (
	suffixProgress  = "_progress"
	suffixCompleted = "_completed"
	suffixFilePath  = "_filepath"
)

// RedisTracker keeps progress in a shared Redis instance, one key per field:
// "<id>_progress", "<id>_completed" and "<id>_filepath".
type RedisTracker struct {
	db  *redis.Client
	ttl time.Duration
}

// NewRedisTracker wraps db. ttl bounds the life of every key; zero keeps
// keys forever.
func NewRedisTracker(db *redis.Client, ttl time.Duration) *RedisTracker {
	return &RedisTracker{db: db, ttl: ttl}
}

// DialRedis opens a client and checks connectivity.
func DialRedis(addr, password string, db int) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping().Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("progress: redis ping %s: %w", addr, err)
	}
	return c, nil
}

func (t *RedisTracker) Get(_ context.Context, uploadID string) (Record, error) {
	vals, err := t.db.MGet(uploadID+suffixProgress, uploadID+suffixCompleted).Result()
	if err != nil {
		return Record{}, fmt.Errorf("progress: redis get %s: %w", uploadID, err)
	}
	var rec Record
	if s, ok := vals[0].(string); ok {
		if rec.Percent, err = strconv.Atoi(s); err != nil {
			return Record{}, fmt.Errorf("progress: bad percent %q for %s", s, uploadID)
		}
	}
	if s, ok := vals[1].(string); ok {
		rec.Completed = s == "1" || s == "true"
	}
	return rec, nil
}

func (t *RedisTracker) Set(_ context.Context, uploadID string, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	pipe := t.db.TxPipeline()
	pipe.Set(uploadID+suffixProgress, rec.Percent, t.ttl)
	pipe.Set(uploadID+suffixCompleted, boolFlag(rec.Completed), t.ttl)
	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("progress: redis set %s: %w", uploadID, err)
	}
	return nil
}

func (t *RedisTracker) SetFinalPath(_ context.Context, uploadID, path string) error {
	if err := t.db.Set(uploadID+suffixFilePath, path, t.ttl).Err(); err != nil {
		return fmt.Errorf("progress: redis set path %s: %w", uploadID, err)
	}
	return nil
}

func (t *RedisTracker) FinalPath(_ context.Context, uploadID string) (string, error) {
	path, err := t.db.Get(uploadID + suffixFilePath).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("progress: redis get path %s: %w", uploadID, err)
	}
	return path, nil
}

func (t *RedisTracker) Delete(_ context.Context, uploadID string) error {
	err := t.db.Del(uploadID+suffixProgress, uploadID+suffixCompleted, uploadID+suffixFilePath).Err()
	if err != nil {
		return fmt.Errorf("progress: redis del %s: %w", uploadID, err)
	}
	return nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
