package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"credential-custody-service/internal/domain"
)

const (
	viewKeyPrefix = "subscription:view:"
	genKeyPrefix  = "subscription:gen:"

	// minGenerationTTL は世代キーの最短保持期間。表現より先に消えないようにする。
	minGenerationTTL = 24 * time.Hour
	defaultViewTTL   = 5 * time.Minute
)

// setIfCurrentScript は世代が変わっておらず、より新しい版が保存されていない場合のみ表現を保存する。
// KEYS[1]=表現 KEYS[2]=世代 ARGV[1]=読込前の世代 ARGV[2]=表現 ARGV[3]=版 ARGV[4]=TTL(ms)
var setIfCurrentScript = redis.NewScript(`
local gen = tonumber(redis.call('GET', KEYS[2]) or '0')
if gen ~= tonumber(ARGV[1]) then
  return 0
end
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, v = pcall(cjson.decode, cur)
  if ok and type(v) == 'table' and tonumber(v.version) and tonumber(v.version) > tonumber(ARGV[3]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[4])
return 1
`)

// RedisViewCache は読み取り用表現をRedisに保持する。秘密情報は載せない。
//
// 変更のたびに世代キーを進め、読込前の世代と一致する場合だけ表現を書き戻す。
type RedisViewCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	genTTL time.Duration
}

// NewRedisViewCache はRedisへ接続し、疎通を確認してからキャッシュを返す。
func NewRedisViewCache(ctx context.Context, addr string, ttl time.Duration) (*RedisViewCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisViewCache(rdb, ttl), nil
}

func newRedisViewCache(rdb *redis.Client, ttl time.Duration) *RedisViewCache {
	if ttl <= 0 {
		ttl = defaultViewTTL
	}
	genTTL := minGenerationTTL
	if 2*ttl > genTTL {
		genTTL = 2 * ttl
	}
	return &RedisViewCache{rdb: rdb, ttl: ttl, genTTL: genTTL}
}

// 同じハッシュスロットに載るようIDをハッシュタグで囲む。
func viewKey(id string) string {
	return viewKeyPrefix + "{" + id + "}"
}

func genKey(id string) string {
	return genKeyPrefix + "{" + id + "}"
}

// Get はキャッシュ済みの表現と現在の世代を返す。表現が無い場合は nil を返す。
func (c *RedisViewCache) Get(ctx context.Context, id string) (*domain.SubscriptionView, uint64, error) {
	vals, err := c.rdb.MGet(ctx, viewKey(id), genKey(id)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis mget: %w", err)
	}

	var gen uint64
	if s, ok := vals[1].(string); ok {
		gen, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("parsing cache generation: %w", err)
		}
	}

	raw, ok := vals[0].(string)
	if !ok {
		return nil, gen, nil
	}
	var view domain.SubscriptionView
	if err := json.Unmarshal([]byte(raw), &view); err != nil {
		return nil, 0, fmt.Errorf("decoding cached view: %w", err)
	}
	return &view, gen, nil
}

// SetIfCurrent は世代が generation のままなら表現を TTL 付きで保存する。
// 保存しなかった場合は false を返す。
func (c *RedisViewCache) SetIfCurrent(ctx context.Context, view *domain.SubscriptionView, generation uint64) (bool, error) {
	raw, err := json.Marshal(view)
	if err != nil {
		return false, fmt.Errorf("encoding view: %w", err)
	}
	stored, err := setIfCurrentScript.Run(ctx, c.rdb,
		[]string{viewKey(view.ID), genKey(view.ID)},
		generation, raw, view.Version, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis set view: %w", err)
	}
	return stored == 1, nil
}

// Invalidate は世代を進めて表現を破棄する。存在しない場合も成功とする。
func (c *RedisViewCache) Invalidate(ctx context.Context, id string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey(id))
		pipe.PExpire(ctx, genKey(id), c.genTTL)
		pipe.Del(ctx, viewKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate: %w", err)
	}
	return nil
}

// Close は接続を閉じる。
func (c *RedisViewCache) Close() error {
	return c.rdb.Close()
}
