package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// CachedAck is the stored acknowledgment of one push initiation. Replaying it
// to a retrying client means the customer's phone is prompted once per
// payment intent, no matter how many times the request is resent.
type CachedAck struct {
	StatusCode int
	Header     map[string]string
	Body       []byte
	StoredAt   time.Time
}

// Store holds initiation acknowledgments keyed by client idempotency key.
type Store interface {
	// Lookup returns the acknowledgment cached under key, if any.
	Lookup(ctx context.Context, key string) (*CachedAck, bool)

	// Save caches an acknowledgment under key for ttl.
	Save(ctx context.Context, key string, ack *CachedAck, ttl time.Duration) error
}

// defaultMaxEntries bounds the cache. Push initiations are human-paced (one
// customer, one phone prompt), so a few thousand entries cover the replay
// window with room to spare.
const defaultMaxEntries = 4096

// sweepInterval is how often expired acknowledgments are purged.
const sweepInterval = 10 * time.Minute

// MemoryStore is an in-process Store with LRU eviction and TTL expiry.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*ackEntry
	recency *list.List // front is most recently used
	max     int

	stopSweep chan struct{}
	sweepDone chan struct{}
}

type ackEntry struct {
	key       string
	ack       *CachedAck
	expiresAt time.Time
	elem      *list.Element
}

// NewMemoryStore creates a memory store with the default capacity.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(defaultMaxEntries)
}

// NewMemoryStoreWithSize creates a memory store holding at most max entries.
func NewMemoryStoreWithSize(max int) *MemoryStore {
	s := &MemoryStore{
		entries:   make(map[string]*ackEntry),
		recency:   list.New(),
		max:       max,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Lookup returns the acknowledgment cached under key. Expired entries are
// treated as absent; the sweeper reclaims them later.
func (s *MemoryStore) Lookup(ctx context.Context, key string) (*CachedAck, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}

	s.recency.MoveToFront(e.elem)
	return e.ack, true
}

// Save caches an acknowledgment under key, evicting the least recently used
// entry when the store is full.
func (s *MemoryStore) Save(ctx context.Context, key string, ack *CachedAck, ttl time.Duration) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.ack = ack
		e.expiresAt = now.Add(ttl)
		s.recency.MoveToFront(e.elem)
		return nil
	}

	if len(s.entries) >= s.max {
		s.dropOldest()
	}

	e := &ackEntry{key: key, ack: ack, expiresAt: now.Add(ttl)}
	e.elem = s.recency.PushFront(e)
	s.entries[key] = e
	return nil
}

// dropOldest removes the least recently used entry. Caller holds the lock.
func (s *MemoryStore) dropOldest() {
	back := s.recency.Back()
	if back == nil {
		return
	}
	e := back.Value.(*ackEntry)
	s.recency.Remove(back)
	delete(s.entries, e.key)
}

// sweep purges expired acknowledgments so abandoned keys do not sit in the
// LRU until capacity pressure pushes them out.
func (s *MemoryStore) sweep() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, e := range s.entries {
				if now.After(e.expiresAt) {
					s.recency.Remove(e.elem)
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Stop terminates the background sweeper and waits for it to exit.
func (s *MemoryStore) Stop() {
	close(s.stopSweep)
	<-s.sweepDone
}
