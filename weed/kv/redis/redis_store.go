package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/seaweedfs/ahm/weed/kv"
	"github.com/seaweedfs/ahm/weed/util"
)

func init() {
	kv.Stores = append(kv.Stores, &RedisStore{})
}

// RedisStore keeps checkpoints in a shared redis so that a replacement node
// can resume the work of a lost one.
type RedisStore struct {
	Client    redis.UniversalClient
	keyPrefix string
}

func (store *RedisStore) GetName() string {
	return "redis"
}

func (store *RedisStore) Initialize(configuration util.Configuration, prefix string) (err error) {
	addresses := configuration.GetStringSlice(prefix + "addresses")
	if len(addresses) == 0 {
		address := configuration.GetString(prefix + "address")
		if address == "" {
			address = "localhost:6379"
		}
		addresses = []string{address}
	}
	return store.initialize(
		addresses,
		configuration.GetString(prefix+"password"),
		configuration.GetInt(prefix+"database"),
		configuration.GetString(prefix+"keyPrefix"),
	)
}

func (store *RedisStore) initialize(addresses []string, password string, database int, keyPrefix string) (err error) {
	glog.Infof("checkpoint store redis addresses: %v", addresses)
	store.Client = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addresses,
		Password: password,
		DB:       database,
	})
	if keyPrefix == "" {
		keyPrefix = "ahm:"
	}
	store.keyPrefix = keyPrefix
	return nil
}

func (store *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := store.Client.Set(ctx, store.keyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

func (store *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := store.Client.Get(ctx, store.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

func (store *RedisStore) Delete(ctx context.Context, key string) error {
	if err := store.Client.Del(ctx, store.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

func (store *RedisStore) ListKeys(ctx context.Context, prefix string) (keys []string, err error) {
	var cursor uint64
	match := store.keyPrefix + prefix + "*"
	for {
		var batch []string
		batch, cursor, err = store.Client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, store.keyPrefix))
		}
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (store *RedisStore) Shutdown() {
	if store.Client != nil {
		store.Client.Close()
	}
}
