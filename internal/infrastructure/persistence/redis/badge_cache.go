package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campusflow/attendance-engine/internal/domain/badge"
)

// DefaultStatesTTL bounds how long a student's badge states are served from
// cache when no invalidation arrives.
const DefaultStatesTTL = 10 * time.Minute

// BadgeStateCache caches ListStudentBadges results per student.
//
// Every invalidation bumps a generation counter, per student or for the whole
// catalogue. A refill carries the generations seen before the ledger was read
// and is dropped when either moved meanwhile, so states read before an award
// never overwrite the invalidation that award caused.
type BadgeStateCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewBadgeStateCache creates a BadgeStateCache; ttl <= 0 uses DefaultStatesTTL.
func NewBadgeStateCache(cache *Cache, ttl time.Duration) *BadgeStateCache {
	if ttl <= 0 {
		ttl = DefaultStatesTTL
	}
	return &BadgeStateCache{cache: cache, ttl: ttl}
}

// setIfCurrent writes KEYS[3] only while KEYS[1] and KEYS[2] still hold the
// generations in ARGV[1] and ARGV[2].
var setIfCurrent = redis.NewScript(`
if (redis.call('GET', KEYS[1]) or '0') == ARGV[1] and (redis.call('GET', KEYS[2]) or '0') == ARGV[2] then
	redis.call('SET', KEYS[3], ARGV[3], 'PX', ARGV[4])
	return 1
end
return 0
`)

// GetStates returns the cached states and whether they were present.
func (c *BadgeStateCache) GetStates(ctx context.Context, studentID string) ([]badge.State, bool, error) {
	var states []badge.State
	err := c.cache.Get(ctx, BadgeStatesKey(studentID), &states)
	if errors.Is(err, ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return states, true, nil
}

// FillToken captures the catalogue and student generations. Take it before
// reading the states that will be passed to SetStates.
func (c *BadgeStateCache) FillToken(ctx context.Context, studentID string) (string, error) {
	vals, err := c.cache.client.MGet(ctx,
		c.cache.Key(CatalogGenerationKey),
		c.cache.Key(StudentGenerationKey(studentID)),
	).Result()
	if err != nil {
		return "", err
	}
	gens := make([]string, len(vals))
	for i, v := range vals {
		gens[i] = "0"
		if s, ok := v.(string); ok {
			gens[i] = s
		}
	}
	return strings.Join(gens, ":"), nil
}

// SetStates stores the states for the configured TTL unless the student or
// the catalogue was invalidated after token was taken.
func (c *BadgeStateCache) SetStates(ctx context.Context, studentID, token string, states []badge.State) error {
	catalogGen, studentGen, ok := strings.Cut(token, ":")
	if !ok {
		return fmt.Errorf("badge state cache: malformed fill token %q", token)
	}
	data, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	keys := []string{
		c.cache.Key(CatalogGenerationKey),
		c.cache.Key(StudentGenerationKey(studentID)),
		c.cache.Key(BadgeStatesKey(studentID)),
	}
	return setIfCurrent.Run(ctx, c.cache.client, keys,
		catalogGen, studentGen, string(data), c.ttl.Milliseconds()).Err()
}

// Invalidate drops the student's cached states and voids fills in flight.
func (c *BadgeStateCache) Invalidate(ctx context.Context, studentID string) error {
	if err := c.cache.client.Incr(ctx, c.cache.Key(StudentGenerationKey(studentID))).Err(); err != nil {
		return err
	}
	return c.cache.Delete(ctx, BadgeStatesKey(studentID))
}

// InvalidateAll drops every student's cached states, used after the
// catalogue changes.
func (c *BadgeStateCache) InvalidateAll(ctx context.Context) error {
	if err := c.cache.client.Incr(ctx, c.cache.Key(CatalogGenerationKey)).Err(); err != nil {
		return err
	}
	pattern := c.cache.Key(BadgeStatesKey("*"))
	var cursor uint64
	for {
		keys, next, err := c.cache.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.cache.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
