package core

import (
	"container/list"

	"PerpSettle/internal/observability"
)

// Command kinds double as dedup namespaces.
const (
	KindBatch = "batch"
	KindAdmin = "admin"
)

// IdempotencyChecker deduplicates batch and admin-call ids in two tiers:
// an in-memory LRU, then the persisted command log.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

// DBIdempotencyChecker looks an id up in the persisted command log.
type DBIdempotencyChecker interface {
	IsDuplicate(kind string, id string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

func compositeKey(kind, id string) string {
	return kind + ":" + id
}

// IsDuplicate reports whether (kind, id) has already been committed.
func (ic *IdempotencyChecker) IsDuplicate(kind string, id string) bool {
	key := compositeKey(kind, id)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(kind, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(kind, id)
		if err != nil {
			// Treat as new; the command log's unique key rejects a true
			// duplicate at persist time.
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
			return false
		}
		if isDup {
			ic.recordDuplicate(kind, "postgres")
			ic.lru.Add(key)
			return true
		}
	}

	return false
}

// MarkProcessed adds key to LRU after a successful commit.
func (ic *IdempotencyChecker) MarkProcessed(kind string, id string) {
	before := ic.lru.Evictions()
	ic.lru.Add(compositeKey(kind, id))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if n := ic.lru.Evictions() - before; n > 0 {
			ic.metrics.DedupLRUEvictions.Add(float64(n))
		}
	}
}

// Warm loads recently committed ids, oldest first.
func (ic *IdempotencyChecker) Warm(kind string, ids []string) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = compositeKey(kind, id)
	}
	ic.lru.WarmFromKeys(keys)
}

func (ic *IdempotencyChecker) recordDuplicate(kind, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(kind, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of composite keys.
// Not thread-safe; guarded by the engine lock.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads composite keys without promoting existing entries.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		lru.cache[key] = lru.lruList.PushFront(key)
		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
