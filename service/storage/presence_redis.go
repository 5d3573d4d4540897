package storage

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// presence key: im:presence:<user>
// hash field = sessionID，value = "<gatewayID>|<expireAt unix毫秒>"
// 整个 hash 的 TTL 随每次写入续期，确保脏数据最终自清
func presenceKey(user string) string { return "im:presence:" + user }

// RedisPresence redis 实现。
type RedisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

func (p *RedisPresence) SessionOnline(ctx context.Context, userID, sessionID, gatewayID string, ttl time.Duration) error {
	if p.rdb == nil {
		return errors.New("redis not initialized")
	}
	expireAt := time.Now().Add(ttl).UnixMilli()
	key := presenceKey(userID)
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, key, sessionID, gatewayID+"|"+strconv.FormatInt(expireAt, 10))
	pipe.Expire(ctx, key, ttl+time.Minute)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "presence online")
}

func (p *RedisPresence) SessionHeartbeat(ctx context.Context, userID, sessionID string, ttl time.Duration) error {
	if p.rdb == nil {
		return errors.New("redis not initialized")
	}
	key := presenceKey(userID)
	cur, err := p.rdb.HGet(ctx, key, sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "presence heartbeat get")
	}
	gatewayID := cur
	if i := strings.IndexByte(cur, '|'); i >= 0 {
		gatewayID = cur[:i]
	}
	expireAt := time.Now().Add(ttl).UnixMilli()
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, key, sessionID, gatewayID+"|"+strconv.FormatInt(expireAt, 10))
	pipe.Expire(ctx, key, ttl+time.Minute)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "presence heartbeat")
}

func (p *RedisPresence) SessionOffline(ctx context.Context, userID, sessionID string) error {
	if p.rdb == nil {
		return errors.New("redis not initialized")
	}
	err := p.rdb.HDel(ctx, presenceKey(userID), sessionID).Err()
	return errors.Wrap(err, "presence offline")
}

func (p *RedisPresence) UserOnline(ctx context.Context, userID string) (bool, error) {
	if p.rdb == nil {
		return false, errors.New("redis not initialized")
	}
	all, err := p.rdb.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "presence lookup")
	}
	now := time.Now().UnixMilli()
	for _, v := range all {
		if i := strings.IndexByte(v, '|'); i >= 0 {
			if exp, perr := strconv.ParseInt(v[i+1:], 10, 64); perr == nil && exp > now {
				return true, nil
			}
		}
	}
	return false, nil
}

