package coordination

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the lock key only if it still holds the token this
// holder set, so a lock that outlived its TTL and was claimed by another
// holder is never released out from under them.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisLock is the distributed alternative to the store's in-process
// per-group lock (spec.md §4.5, §9 "the only process-wide singletons ...
// explicit context handles, not globals"): a production deployment with
// multiple control-plane instances and a store that does not itself
// enforce the "at most one convergence cycle per group" contract can
// layer this on top, keyed by (tenant, group).
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLock constructs a RedisLock. ttl bounds how long a lock survives
// a holder that crashes without releasing it.
func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLock{client: client, ttl: ttl, prefix: "autoscale:lock:"}
}

// TryAcquire attempts to claim key, returning ok=false (no error) if
// another holder already has it. The returned release func is idempotent
// and safe to call from a defer on every exit path.
func (l *RedisLock) TryAcquire(ctx context.Context, key string) (release func(context.Context), ok bool, err error) {
	token := uuid.NewString()
	set, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !set {
		return nil, false, nil
	}
	released := false
	return func(releaseCtx context.Context) {
		if released {
			return
		}
		released = true
		releaseScript.Run(releaseCtx, l.client, []string{l.prefix + key}, token)
	}, true, nil
}
