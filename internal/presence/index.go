package presence

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

// index maps a numeric key (user id, conversation id) to the set of sessions
// under it. Sharding keeps unrelated keys off each other's locks.
type index struct {
	shards [shardCount]indexShard
}

type indexShard struct {
	mu sync.RWMutex
	m  map[uint64]map[string]*Session
}

func newIndex() *index {
	ix := &index{}
	for i := range ix.shards {
		ix.shards[i].m = make(map[uint64]map[string]*Session)
	}
	return ix
}

func (ix *index) shard(key uint64) *indexShard { return &ix.shards[key%shardCount] }

// add reports whether s is the first session under key.
func (ix *index) add(key uint64, s *Session) (first bool) {
	sh := ix.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.m[key]
	if !ok {
		set = make(map[string]*Session)
		sh.m[key] = set
	}
	if _, dup := set[s.ID]; dup {
		return false
	}
	set[s.ID] = s
	return len(set) == 1
}

// remove reports whether the session was present and whether it was the last
// one under key.
func (ix *index) remove(key uint64, sessionID string) (removed, last bool) {
	sh := ix.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.m[key]
	if !ok {
		return false, false
	}
	if _, ok := set[sessionID]; !ok {
		return false, false
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(sh.m, key)
		return true, true
	}
	return true, false
}

func (ix *index) has(key uint64, sessionID string) bool {
	sh := ix.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.m[key][sessionID]
	return ok
}

func (ix *index) count(key uint64) int {
	sh := ix.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.m[key])
}

// snapshot copies the sessions under key so callers can publish without
// holding the shard lock.
func (ix *index) snapshot(key uint64) []*Session {
	sh := ix.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	set := sh.m[key]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// sessionTable is the sharded session-id → session map.
type sessionTable struct {
	shards [shardCount]sessionShard
}

type sessionShard struct {
	mu sync.RWMutex
	m  map[string]*Session
}

func newSessionTable() *sessionTable {
	t := &sessionTable{}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*Session)
	}
	return t
}

func (t *sessionTable) shard(id string) *sessionShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &t.shards[h.Sum32()%shardCount]
}

func (t *sessionTable) put(s *Session) {
	sh := t.shard(s.ID)
	sh.mu.Lock()
	sh.m[s.ID] = s
	sh.mu.Unlock()
}

func (t *sessionTable) get(id string) (*Session, bool) {
	sh := t.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.m[id]
	return s, ok
}

// take removes and returns the session; ok is false if it was already gone.
func (t *sessionTable) take(id string) (*Session, bool) {
	sh := t.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.m[id]
	if ok {
		delete(sh.m, id)
	}
	return s, ok
}

func (t *sessionTable) all() []*Session {
	var out []*Session
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		for _, s := range sh.m {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

func (t *sessionTable) len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}
