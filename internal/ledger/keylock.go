package ledger

import (
	"hash/fnv"
	"sync"
)

// lockTable provides per-key mutual exclusion via lock striping. Transitions
// for one action id are serialized on its stripe; distinct ids almost always
// land on distinct stripes and proceed in parallel. There is no global lock.
type lockTable struct {
	stripes []sync.Mutex
}

func newLockTable(size int) *lockTable {
	if size <= 0 {
		size = 64
	}
	return &lockTable{stripes: make([]sync.Mutex, size)}
}

func (t *lockTable) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	mu := &t.stripes[h.Sum32()%uint32(len(t.stripes))]
	mu.Lock()
	return mu
}
