package phase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	progressCacheKey      = "phase:progress"
	progressGenerationKey = "phase:progress:gen"
)

// ProgressCache holds the last progress snapshot for a short time.
//
// Get also returns the cache generation it observed. Set stores a snapshot
// only while that generation is current, so a snapshot read from the
// database before an Invalidate can never replace the fresher state.
type ProgressCache interface {
	Get(ctx context.Context) (p *Progress, generation string, ok bool)
	Set(ctx context.Context, generation string, p *Progress)
	Invalidate(ctx context.Context)
}

// KEYS[1] snapshot, KEYS[2] generation; ARGV[1] payload, ARGV[2] expected
// generation, ARGV[3] ttl in milliseconds.
var setIfCurrent = redis.NewScript(`
local gen = redis.call("GET", KEYS[2]) or "0"
if gen ~= ARGV[2] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

// NewProgressCache returns a redis-backed cache, or a no-op cache when
// client is nil.
func NewProgressCache(client *redis.Client, ttl time.Duration) ProgressCache {
	if client == nil || ttl <= 0 {
		return noopCache{}
	}
	return &redisCache{client: client, ttl: ttl}
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func (c *redisCache) Get(ctx context.Context) (*Progress, string, bool) {
	values, err := c.client.MGet(ctx, progressCacheKey, progressGenerationKey).Result()
	if err != nil {
		log.Warn().Err(err).Msg("progress cache read failed")
		return nil, "", false
	}

	generation := "0"
	if gen, ok := values[1].(string); ok {
		generation = gen
	}

	raw, ok := values[0].(string)
	if !ok {
		return nil, generation, false
	}
	var p Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, generation, false
	}
	return &p, generation, true
}

func (c *redisCache) Set(ctx context.Context, generation string, p *Progress) {
	if generation == "" {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	keys := []string{progressCacheKey, progressGenerationKey}
	if err := setIfCurrent.Run(ctx, c.client, keys, raw, generation, c.ttl.Milliseconds()).Err(); err != nil {
		log.Warn().Err(err).Msg("progress cache write failed")
	}
}

func (c *redisCache) Invalidate(ctx context.Context) {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, progressGenerationKey)
		pipe.Del(ctx, progressCacheKey)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("progress cache invalidate failed")
	}
}

type noopCache struct{}

func (noopCache) Get(context.Context) (*Progress, string, bool) { return nil, "", false }
func (noopCache) Set(context.Context, string, *Progress)         {}
func (noopCache) Invalidate(context.Context)                     {}
