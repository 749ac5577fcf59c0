package check

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// redisSentinelKey 通过代理访问时，EXISTS 能暴露后端已失联的情况
const redisSentinelKey = "nerve-redis-service-check"

type redisParams struct {
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// redisProbe PING 后再执行一次 EXISTS
type redisProbe struct {
	client *redis.Client
}

func newRedisProbe(spec Spec) (Probe, error) {
	var params redisParams
	if err := decodeParams(spec.Params, &params); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:         spec.Address(),
		Password:     params.Password,
		DB:           params.DB,
		DialTimeout:  spec.Timeout,
		ReadTimeout:  spec.Timeout,
		WriteTimeout: spec.Timeout,
		PoolSize:     1,
		MaxRetries:   -1,
	})
	return &redisProbe{client: client}, nil
}

func (p *redisProbe) Probe(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return err
	}
	return p.client.Exists(ctx, redisSentinelKey).Err()
}

func (p *redisProbe) Close() error {
	return p.client.Close()
}
