package storage

import (
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger"
	"github.com/dgraph-io/badger/options"
	"github.com/ipfs/go-datastore"
	dsbadger "github.com/ipfs/go-ds-badger"
)

// LowMemoryEnv switches badger to file io for its tables and value log.
const LowMemoryEnv = "BADGERDB_LOW_MEMORY_MODE"

func lowMemoryMode() bool {
	val, ok := os.LookupEnv(LowMemoryEnv)
	return ok && strings.ToLower(val) != "false"
}

// NewDefaultBadger opens (creating when needed) a badger datastore rooted
// at dir.
func NewDefaultBadger(dir string) (datastore.Batching, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir)
	if lowMemoryMode() {
		log.Infof("opening %s in low memory mode", dir)
		opts.ValueLogLoadingMode = options.FileIO
		opts.TableLoadingMode = options.FileIO
	}
	return dsbadger.NewDatastore(dir, &dsbadger.Options{Options: opts})
}
