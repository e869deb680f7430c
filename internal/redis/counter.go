package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Counter is a windowed counter used to throttle repeated creation attempts.
type Counter struct {
	client *redis.Client
}

func NewCounter(client *redis.Client) *Counter {
	return &Counter{client: client}
}

// Incr atomically increments the key and starts its window on first increment.
func (c *Counter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	n, err := incrWithTTLScript.Run(ctx, c.client, []string{"counter:" + key}, seconds).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment counter %q: %w", key, err)
	}
	return n, nil
}
