package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/seaweedfs/ahm/weed/kv"
	"github.com/seaweedfs/ahm/weed/util"
)

func init() {
	kv.Stores = append(kv.Stores, &MemoryStore{})
}

type entry struct {
	key   string
	value []byte
}

func lessEntry(a, b entry) bool {
	return strings.Compare(a.key, b.key) < 0
}

// MemoryStore keeps everything in an ordered in-process tree. It is used
// for tests and for nodes that do not need to survive restarts.
type MemoryStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[entry]
}

func NewMemoryStore() *MemoryStore {
	store := &MemoryStore{}
	store.initialize()
	return store
}

func (store *MemoryStore) GetName() string {
	return "memory"
}

func (store *MemoryStore) Initialize(configuration util.Configuration, prefix string) error {
	store.initialize()
	return nil
}

func (store *MemoryStore) initialize() {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.tree = btree.NewG[entry](8, lessEntry)
}

func (store *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.tree.ReplaceOrInsert(entry{key: key, value: append([]byte(nil), value...)})
	return nil
}

func (store *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	e, found := store.tree.Get(entry{key: key})
	if !found {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (store *MemoryStore) Delete(ctx context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.tree.Delete(entry{key: key})
	return nil
}

func (store *MemoryStore) ListKeys(ctx context.Context, prefix string) (keys []string, err error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	store.tree.AscendGreaterOrEqual(entry{key: prefix}, func(e entry) bool {
		if !strings.HasPrefix(e.key, prefix) {
			return false
		}
		keys = append(keys, e.key)
		return true
	})
	return keys, nil
}

func (store *MemoryStore) Shutdown() {
}
