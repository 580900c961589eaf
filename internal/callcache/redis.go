package callcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "callcache:"

// putScript writes the entry unless the stored one already carries a terminal status.
var putScript = redis.NewScript(`
-- KEYS[1] = entry key
-- ARGV[1] = encoded entry
-- ARGV[2] = ttl in milliseconds
-- ARGV[3..] = encoded terminal status fields
local cur = redis.call('GET', KEYS[1])
if cur then
  for i = 3, #ARGV do
    if string.find(cur, ARGV[i], 1, true) then
      return 0
    end
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

func statusField(st DataStatus) string {
	return fmt.Sprintf(`"data_status":%q`, string(st))
}

// RedisStore keeps entries as JSON strings with a TTL so abandoned calls age out.
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisStore{rdb: rdb, ttl: ttl, now: time.Now}
}

func (s *RedisStore) Get(ctx context.Context, callID string) (Entry, bool, error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+callID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *RedisStore) Put(ctx context.Context, e Entry) error {
	if e.CallID == "" {
		return errors.New("callcache: call id required")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = s.now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return putScript.Run(ctx, s.rdb, []string{keyPrefix + e.CallID},
		b, s.ttl.Milliseconds(), statusField(DataComplete), statusField(DataFetchFailed)).Err()
}
