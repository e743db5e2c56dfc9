package rediscache

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// KEYS: lease keys. ARGV: owner. Deletes only the leases still held by owner.
var releaseScript = redis.NewScript(`
local n = 0
for _, k in ipairs(KEYS) do
  if redis.call("GET", k) == ARGV[1] then
    n = n + redis.call("DEL", k)
  end
end
return n
`)

// ProductLeaser keeps at most one scheduled re-check in flight per product. Each lease holds
// the owner token of the scheduling run that took it.
type ProductLeaser struct {
	c      *redis.Client
	prefix string
}

func NewProductLeaser(addr string) *ProductLeaser {
	return &ProductLeaser{
		c:      redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "pricecheck:lease:",
	}
}

func (l *ProductLeaser) key(id uint64) string {
	return l.prefix + strconv.FormatUint(id, 10)
}

// Claim takes a lease of ttl for owner on every id that is not already leased and returns
// those ids, in input order.
func (l *ProductLeaser) Claim(ctx context.Context, owner string, ids []uint64, ttl time.Duration) ([]uint64, error) {
	if len(ids) == 0 {
		return []uint64{}, nil
	}
	pipe := l.c.Pipeline()
	cmds := make([]*redis.BoolCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.SetNX(ctx, l.key(id), owner, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "redis claim leases")
	}
	out := make([]uint64, 0, len(ids))
	for i, cmd := range cmds {
		if cmd.Val() {
			out = append(out, ids[i])
		}
	}
	return out, nil
}

// Release drops the leases on ids that owner still holds. Leases that expired and were taken
// by another run are kept.
func (l *ProductLeaser) Release(ctx context.Context, owner string, ids []uint64) error {
	if len(ids) == 0 || owner == "" {
		return nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, l.key(id))
	}
	return errors.Wrap(releaseScript.Run(ctx, l.c, keys, owner).Err(), "redis release leases")
}

func (l *ProductLeaser) Close() error {
	return l.c.Close()
}
