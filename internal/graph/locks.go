package graph

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/loomworks/loomkb/internal/storage"
)

// lockStripes is the number of mutexes write locking is spread over.
// Distinct entities may share a stripe; that only costs spurious
// serialization, never correctness.
const lockStripes = 64

// entityLocks serializes writes touching the same entity. Keys are
// entity ids, or name keys for entities that do not have an id yet.
type entityLocks struct {
	stripes [lockStripes]sync.Mutex
}

func newEntityLocks() *entityLocks {
	return &entityLocks{}
}

func stripeFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % lockStripes)
}

// acquire locks the stripes for all keys in ascending stripe order, so
// two writers contending on overlapping entity sets can never deadlock.
// The returned func releases in reverse order.
func (l *entityLocks) acquire(keys ...string) func() {
	seen := make(map[int]bool, len(keys))
	var idx []int
	for _, k := range keys {
		s := stripeFor(k)
		if !seen[s] {
			seen[s] = true
			idx = append(idx, s)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for i := len(idx) - 1; i >= 0; i-- {
			l.stripes[idx[i]].Unlock()
		}
	}
}

// NameKey is the lock key for an entity addressed by identity rather
// than id, which is the case before its first insert commits.
func NameKey(projectID string, typ storage.EntityType, name string) string {
	return projectID + "\x00" + string(typ) + "\x00" + name
}
