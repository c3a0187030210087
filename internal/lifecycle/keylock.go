package lifecycle

import (
	"hash/fnv"
	"sync"
)

// keyLock serializes mutations per subject key with a fixed set of striped
// mutexes. Claims sharing a (subjectType, subjectId, predicate, scope) key
// always hash to the same stripe; unrelated keys almost always proceed
// concurrently.
type keyLock struct {
	stripes [64]sync.Mutex
}

func (k *keyLock) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%uint32(len(k.stripes))]
	m.Lock()
	return m
}
