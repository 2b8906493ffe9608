package leveldb

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/syndtr/goleveldb/leveldb"
	leveldb_errors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldb_util "github.com/syndtr/goleveldb/leveldb/util"

	"github.com/seaweedfs/ahm/weed/kv"
	"github.com/seaweedfs/ahm/weed/util"
)

func init() {
	kv.Stores = append(kv.Stores, &LevelDBStore{})
}

type LevelDBStore struct {
	dir string
	db  *leveldb.DB
}

func (store *LevelDBStore) GetName() string {
	return "leveldb"
}

func (store *LevelDBStore) Initialize(configuration util.Configuration, prefix string) (err error) {
	dir := configuration.GetString(prefix + "dir")
	if dir == "" {
		dir = "./checkpoints"
	}
	return store.initialize(dir)
}

func (store *LevelDBStore) initialize(dir string) (err error) {
	glog.Infof("checkpoint store leveldb dir: %s", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create leveldb folder %s: %v", dir, err)
	}
	store.dir = dir

	opts := &opt.Options{
		BlockCacheCapacity: 8 * 1024 * 1024,          // default value is 8MiB
		WriteBuffer:        4 * 1024 * 1024,          // default value is 4MiB
		Filter:             filter.NewBloomFilter(8), // false positive rate 0.02
	}

	db, dbErr := leveldb.OpenFile(dir, opts)
	if leveldb_errors.IsCorrupted(dbErr) {
		glog.Warningf("checkpoint store %s is corrupted, recovering", dir)
		db, dbErr = leveldb.RecoverFile(dir, opts)
	}
	if dbErr != nil {
		glog.Errorf("checkpoint store open dir %s: %v", dir, dbErr)
		return dbErr
	}
	store.db = db
	return nil
}

func (store *LevelDBStore) Put(ctx context.Context, key string, value []byte) error {
	// sync so a checkpoint is never lost once Put returns
	if err := store.db.Put([]byte(key), value, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("leveldb put %s: %w", key, err)
	}
	return nil
}

func (store *LevelDBStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := store.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get %s: %w", key, err)
	}
	return value, nil
}

func (store *LevelDBStore) Delete(ctx context.Context, key string) error {
	if err := store.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("leveldb delete %s: %w", key, err)
	}
	return nil
}

func (store *LevelDBStore) ListKeys(ctx context.Context, prefix string) (keys []string, err error) {
	iter := store.db.NewIterator(leveldb_util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	if err = iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb list %s: %w", prefix, err)
	}
	return keys, nil
}

func (store *LevelDBStore) Shutdown() {
	if store.db != nil {
		store.db.Close()
	}
}
