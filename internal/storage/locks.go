package storage

import (
	"hash/fnv"
	"strconv"
	"sync"
)

// userLocks serializes writers per user with a fixed array of mutexes.
// Distinct users may share a shard; that only costs parallelism.
type userLocks struct {
	shards []sync.Mutex
}

func newUserLocks(n int) *userLocks {
	if n <= 0 {
		n = 64
	}
	return &userLocks{shards: make([]sync.Mutex, n)}
}

func (l *userLocks) lock(userID int64) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(userID, 10)))
	mu := &l.shards[h.Sum32()%uint32(len(l.shards))]
	mu.Lock()
	return mu.Unlock
}
