package taskstore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"pagesmith/internal/logging"
)

// Locker is the sole admission point for starting a pipeline run on a task.
// TryAcquire fails fast: it never blocks waiting for the current holder.
type Locker interface {
	TryAcquire(ctx context.Context, taskID, holder string, lease time.Duration) (release func(), ok bool, err error)
}

// dbLocker backs the lock with a lease row in the task database. Expired
// leases left by crashed holders are reclaimed on the next attempt.
type dbLocker struct {
	db *gorm.DB
}

func (l *dbLocker) TryAcquire(ctx context.Context, taskID, holder string, lease time.Duration) (func(), bool, error) {
	now := time.Now().UTC()
	acquired := false

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lock TaskLock
		err := tx.First(&lock, "task_id = ?", taskID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			lock = TaskLock{TaskID: taskID, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(lease)}
			if err := tx.Create(&lock).Error; err != nil {
				return err
			}
			acquired = true
			return nil
		case err != nil:
			return err
		}

		if lock.ExpiresAt.After(now) {
			// Live holder, caller must report "in progress".
			return nil
		}

		// Stale lease from a crashed holder, reclaim it.
		res := tx.Model(&TaskLock{}).
			Where("task_id = ? AND holder = ?", taskID, lock.Holder).
			Updates(map[string]any{"holder": holder, "acquired_at": now, "expires_at": now.Add(lease)})
		if res.Error != nil {
			return res.Error
		}
		acquired = res.RowsAffected == 1
		return nil
	})
	if err != nil || !acquired {
		return nil, false, err
	}

	release := func() {
		err := l.db.Where("task_id = ? AND holder = ?", taskID, holder).Delete(&TaskLock{}).Error
		if err != nil {
			logging.S().Errorw("failed to release task lock", "task", taskID, "error", err)
		}
	}
	return release, true, nil
}

// redisLocker backs the lock with SET NX PX so several service instances can
// share one lock space. The release script only deletes the key when this
// holder still owns it.
type redisLocker struct {
	client *redis.Client
}

// NewRedisLocker builds a Locker on an existing redis client.
func NewRedisLocker(client *redis.Client) Locker {
	return &redisLocker{client: client}
}

const lockKeyPrefix = "pagesmith:tasklock:"

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *redisLocker) TryAcquire(ctx context.Context, taskID, holder string, lease time.Duration) (func(), bool, error) {
	key := lockKeyPrefix + taskID
	ok, err := l.client.SetNX(ctx, key, holder, lease).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{key}, holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
			logging.S().Errorw("failed to release redis task lock", "task", taskID, "error", err)
		}
	}
	return release, true, nil
}
