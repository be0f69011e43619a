package redis

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/hysios/mxreg/config"
	"github.com/hysios/mxreg/errors"
	"github.com/hysios/mxreg/logger"
	"go.uber.org/zap"
)

// RedisProvider is a config provider that keeps its settings as one JSON
// document under Key, so every process of a deployment shares them.
type RedisProvider struct {
	rdb *redis.Client
	Key string

	mu   sync.Mutex
	vals config.Map
}

type RedisOption struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Mock     *redis.Client
}

// NewRedisProvider returns a new RedisProvider.
func NewRedisProvider(ctx context.Context, options *RedisOption) (*RedisProvider, error) {
	rdb := options.Mock
	if rdb == nil {
		rdb = redis.NewClient(&redis.Options{
			Addr:     options.Addr,
			Password: options.Password,
			DB:       options.DB,
		})
	}

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err)
	}

	return &RedisProvider{rdb: rdb, Key: options.Key}, nil
}

// MustRedisProvider returns a new RedisProvider or panic.
func MustRedisProvider(ctx context.Context, options *RedisOption) *RedisProvider {
	f, err := NewRedisProvider(ctx, options)
	if err != nil {
		panic(err)
	}
	return f
}

// load get value from redis
func (p *RedisProvider) load() (val config.Map, ok bool) {
	rslt, err := p.rdb.Get(context.Background(), p.Key).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Logger.Warn("load redis config", zap.String("key", p.Key), zap.Error(err))
		}
		return
	}

	val = make(map[string]interface{})

	if err = json.Unmarshal([]byte(rslt), &val); err != nil {
		logger.Logger.Warn("decode redis config", zap.String("key", p.Key), zap.Error(err))
		return nil, false
	}

	return val, true
}

// store set value to redis
func (p *RedisProvider) store(val config.Map) error {
	b, err := json.Marshal(val)
	if err != nil {
		return errors.Wrap(err)
	}

	return errors.Wrap(p.rdb.Set(context.Background(), p.Key, string(b), 0).Err())
}

func (p *RedisProvider) ensure() {
	if p.vals == nil {
		p.vals, _ = p.load()
		if p.vals == nil {
			p.vals = config.Map{}
		}
	}
}

// LookupPath returns the value of the given selector.
func (p *RedisProvider) LookupPath(selector string) (val *config.Value, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.vals == nil {
		if p.vals, ok = p.load(); !ok {
			return
		}
	}

	val = p.vals.Get(selector)
	ok = !val.IsNil()
	return
}

// Set sets the value of the given selector and writes the document back.
func (p *RedisProvider) Set(selector string, val interface{}) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ensure()
	old := p.vals.Get(selector).Data()
	p.vals.Set(selector, val)
	return old, p.store(p.vals)
}

// Update updates the values of the given map.
func (p *RedisProvider) Update(vals map[string]interface{}) config.Map {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ensure()
	p.vals.MergeHere(vals)
	if err := p.store(p.vals); err != nil {
		logger.Logger.Warn("store redis config", zap.String("key", p.Key), zap.Error(err))
	}
	return p.vals
}

// Data returns the data of the provider.
func (p *RedisProvider) Data() config.Map {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ensure()
	return p.vals
}
