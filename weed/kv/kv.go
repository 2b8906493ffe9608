// Package kv holds the durable key/value stores that checkpoints and scanner
// statistics are persisted to. Stores register themselves from init(),
// the same way filer stores do.
package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/seaweedfs/ahm/weed/util"
)

var ErrNotFound = errors.New("kv: not found")

type Store interface {
	// GetName gets the name to locate the configuration in ahm.toml file
	GetName() string
	// Initialize initializes the store from the configuration section at prefix
	Initialize(configuration util.Configuration, prefix string) error

	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound for a missing key
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// ListKeys returns all keys starting with prefix, in ascending order
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	Shutdown()
}

var (
	Stores []Store
)

// LoadStore initializes the registered store called name with the
// configuration found under "<prefix><name>.".
func LoadStore(configuration util.Configuration, prefix, name string) (Store, error) {
	for _, store := range Stores {
		if store.GetName() != name {
			continue
		}
		if err := store.Initialize(configuration, prefix+name+"."); err != nil {
			return nil, fmt.Errorf("initialize %s store: %w", name, err)
		}
		glog.V(0).Infof("checkpoint store %s initialized", name)
		return store, nil
	}
	return nil, fmt.Errorf("kv store %q is not registered", name)
}
