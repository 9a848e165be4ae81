package memory

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

type sessionShard struct {
	mu       sync.Mutex
	sessions map[int64]*ActiveSession
}

// MemoryStore keeps sessions in process, spread over lock shards.
type MemoryStore struct {
	shards []*sessionShard
}

// NewMemoryStore returns an empty store with n shards.
func NewMemoryStore(n int) *MemoryStore {
	if n <= 0 {
		n = 32
	}
	s := &MemoryStore{shards: make([]*sessionShard, n)}
	for i := range s.shards {
		s.shards[i] = &sessionShard{sessions: make(map[int64]*ActiveSession)}
	}
	return s
}

func (s *MemoryStore) shard(userID int64) *sessionShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(userID, 10)))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *MemoryStore) LoadFresh(_ context.Context, userID int64, cutoff time.Time) (*ActiveSession, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[userID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.LastActivity.Before(cutoff) {
		delete(sh.sessions, userID)
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *MemoryStore) Save(_ context.Context, userID int64, sess *ActiveSession) error {
	sh := s.shard(userID)
	sh.mu.Lock()
	sh.sessions[userID] = sess
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID int64) error {
	sh := s.shard(userID)
	sh.mu.Lock()
	delete(sh.sessions, userID)
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n, nil
}
