package storedcounter

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ipfs/go-datastore"
	"golang.org/x/xerrors"
)

// StoredCounter is a counter that persists to a datastore as it increments
type StoredCounter struct {
	lk   sync.Mutex
	ds   datastore.Datastore
	name datastore.Key
}

// New returns a new StoredCounter for the given datastore and key
func New(ds datastore.Datastore, name datastore.Key) *StoredCounter {
	return &StoredCounter{ds: ds, name: name}
}

// Next returns the next counter value, updating it on disk in the process.
// The first value handed out is 1, so that zero can stand for "unset" in
// records referencing ids
func (sc *StoredCounter) Next(ctx context.Context) (uint64, error) {
	sc.lk.Lock()
	defer sc.lk.Unlock()

	var next uint64 = 1
	curBytes, err := sc.ds.Get(ctx, sc.name)
	switch {
	case err == nil:
		cur, n := binary.Uvarint(curBytes)
		if n <= 0 {
			return 0, xerrors.Errorf("corrupt counter %s", sc.name)
		}
		next = cur + 1
	case !xerrors.Is(err, datastore.ErrNotFound):
		return 0, err
	}

	buf := make([]byte, binary.MaxVarintLen64)
	size := binary.PutUvarint(buf, next)

	return next, sc.ds.Put(ctx, sc.name, buf[:size])
}
