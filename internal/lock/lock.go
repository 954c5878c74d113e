package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrNotAcquired is returned when the lock stays held past the retry budget.
var ErrNotAcquired = errors.New("lock not acquired")

// unlockScript deletes the key only when it still holds our token, so an
// expired-and-reacquired lock is never released by the previous holder.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Manager hands out short-lived per-key mutual exclusion backed by redis
// SET NX. It serializes concurrent requests for the same user so balance
// decisions are made one at a time per account.
type Manager struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewManager(client *redis.Client) *Manager {
	return &Manager{
		client:        client,
		ttl:           30 * time.Second,
		retryInterval: 100 * time.Millisecond,
		maxRetries:    30,
	}
}

// WithLock runs fn while holding the named lock, retrying acquisition up
// to the retry budget.
func (m *Manager) WithLock(ctx context.Context, key string, fn func() error) error {
	token := uuid.NewString()
	acquired := false
	for i := 0; i < m.maxRetries; i++ {
		ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			acquired = true
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.retryInterval):
		}
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	defer m.client.Eval(ctx, unlockScript, []string{key}, token)
	return fn()
}
