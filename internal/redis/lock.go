package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "joblock:"

// Lock is a TTL-bound, token-owned mutual-exclusion marker shared by all
// instances. Acquire wins at most once per key; Renew and Release only act when
// the stored owner token still matches, so a lock lost to expiry is never
// touched by its previous owner.
type Lock struct {
	client *redis.Client
}

func NewLock(client *redis.Client) *Lock {
	return &Lock{client: client}
}

// The stored value is "<ownerToken>|<acquiredAtUnix>". The timestamp exists
// only for the startup sweep; ownership checks compare the token part.
func lockValue(ownerToken string, now time.Time) string {
	return ownerToken + "|" + strconv.FormatInt(now.Unix(), 10)
}

var renewScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if not val then
  return 0
end
local sep = string.find(val, "|", 1, true)
if not sep then
  return 0
end
if string.sub(val, 1, sep - 1) == ARGV[1] then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if not val then
  return 0
end
local sep = string.find(val, "|", 1, true)
if not sep then
  return 0
end
if string.sub(val, 1, sep - 1) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire performs an atomic set-if-not-exists with expiry. A false return with
// a nil error means another owner holds the lock.
func (l *Lock) Acquire(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKeyPrefix+key, lockValue(ownerToken, time.Now()), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	return ok, nil
}

// Renew extends the expiry only while ownerToken still owns the key. A false
// return means the lock was lost: expired, swept, or taken by another owner.
func (l *Lock) Renew(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	n, err := renewScript.Run(ctx, l.client, []string{lockKeyPrefix + key}, ownerToken, seconds).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("renew lock %q: %w", key, err)
	}
	return n == 1, nil
}

// Release deletes the key only while ownerToken still owns it.
func (l *Lock) Release(ctx context.Context, key, ownerToken string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{lockKeyPrefix + key}, ownerToken).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %q: %w", key, err)
	}
	return nil
}

// SweepStale removes locks acquired longer ago than maxAge. TTL expiry handles
// the common crash case; the sweep covers keys whose expiry was lost (for
// example a PERSIST issued by an operator, or clock trouble on a dead owner).
// Returns the number of locks removed.
func (l *Lock) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	removed := 0

	iter := l.client.Scan(ctx, 0, lockKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		val, err := l.client.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return removed, fmt.Errorf("sweep read %q: %w", key, err)
		}

		sep := strings.LastIndexByte(val, '|')
		if sep < 0 {
			continue
		}
		acquiredAt, err := strconv.ParseInt(val[sep+1:], 10, 64)
		if err != nil {
			continue
		}

		if acquiredAt < cutoff {
			if err := l.client.Del(ctx, key).Err(); err != nil {
				return removed, fmt.Errorf("sweep delete %q: %w", key, err)
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("sweep scan: %w", err)
	}

	return removed, nil
}
