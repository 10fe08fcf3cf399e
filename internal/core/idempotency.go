package core

import (
	"SolvencyLedger/internal/observability"

	lru "github.com/hashicorp/golang-lru"
)

// DBIdempotencyChecker looks a key up in the persisted event log.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates in two tiers: recently applied keys in an
// LRU, then the event log. Keys are "<EventType>:<IdempotencyKey>", the same
// form RecentKeys returns from Postgres.
type IdempotencyChecker struct {
	recent  *lru.Cache
	db      DBIdempotencyChecker
	metrics *observability.Metrics
}

func NewIdempotencyChecker(capacity int, db DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	if capacity < 1 {
		capacity = 1
	}
	// lru.New only fails for a non-positive size
	cache, _ := lru.New(capacity)
	return &IdempotencyChecker{recent: cache, db: db, metrics: metrics}
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate reports whether the event was already applied. A failed
// Postgres lookup counts as new; the event log's unique constraint still
// rejects the row if it was not.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)
	if ic.recent.Contains(key) {
		ic.countDuplicate(eventType, "lru")
		return true
	}
	if ic.db == nil {
		return false
	}

	dup, err := ic.db.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		if ic.metrics != nil {
			ic.metrics.IdempotencyDBErrors.Inc()
		}
		return false
	}
	if dup {
		ic.countDuplicate(eventType, "postgres")
		ic.recent.Add(key, struct{}{})
	}
	return dup
}

func (ic *IdempotencyChecker) countDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// MarkProcessed records an applied event in the LRU.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.recent.Add(compositeKey(eventType, idempotencyKey), struct{}{})
}

// WarmFromKeys loads composite keys from a snapshot or from Postgres, oldest
// first.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, key := range keys {
		ic.recent.Add(key, struct{}{})
	}
}

// Keys returns the cached composite keys from oldest to newest, so warming a
// fresh checker with them keeps the eviction order.
func (ic *IdempotencyChecker) Keys() []string {
	raw := ic.recent.Keys()
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys
}

func (ic *IdempotencyChecker) Size() int {
	return ic.recent.Len()
}
