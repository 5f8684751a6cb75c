package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript drops members not refreshed within the TTL, then adds the
// party if it is already a member or the set is below the limit.
//
// KEYS[1] sorted set of party IDs scored by last refresh (unix ms)
// ARGV[1] party ID, ARGV[2] now, ARGV[3] expiry cutoff, ARGV[4] limit
const admitScript = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[3])
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
	return 1
end
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[4]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
return 1
`

// PartyRegistry is a Redis-backed party set shared by relay instances.
// Entries expire unless refreshed with Touch, so a crashed instance does not
// hold its slots forever.
type PartyRegistry struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	admit  *redis.Script
	now    func() time.Time
}

func NewPartyRegistry(client *redis.Client, key string, ttl time.Duration) *PartyRegistry {
	return &PartyRegistry{
		client: client,
		key:    key,
		ttl:    ttl,
		admit:  redis.NewScript(admitScript),
		now:    time.Now,
	}
}

func (r *PartyRegistry) Admit(ctx context.Context, partyID string, limit int) (bool, error) {
	now := r.now()
	res, err := r.admit.Run(ctx, r.client, []string{r.key},
		partyID,
		now.UnixMilli(),
		now.Add(-r.ttl).UnixMilli(),
		limit,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to admit party: %w", err)
	}
	return res == 1, nil
}

func (r *PartyRegistry) Touch(ctx context.Context, partyID string) error {
	err := r.client.ZAddXX(ctx, r.key, redis.Z{
		Score:  float64(r.now().UnixMilli()),
		Member: partyID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to refresh party: %w", err)
	}
	return nil
}

func (r *PartyRegistry) Release(ctx context.Context, partyID string) error {
	if err := r.client.ZRem(ctx, r.key, partyID).Err(); err != nil {
		return fmt.Errorf("failed to release party: %w", err)
	}
	return nil
}
