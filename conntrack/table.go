package conntrack

import (
	"hash/fnv"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/netshepherd/dataplane/flowkey"
)

// DefaultCapacity is the default CT_MAP_SIZE: the maximum number of
// tracked flows.
const DefaultCapacity = 262_144

// shardCount bounds lock contention across concurrent CPUs touching
// unrelated flows, without requiring a single global lock over the
// whole table.
const shardCount = 64

// Table is the bounded, approximate-LRU FlowKey -> *Entry map.
// Capacity is fixed at construction.
// Each shard's structural map operations (insert/evict/delete) are
// guarded by a shard-local mutex; mutation of an already-resolved
// Entry's fields happens lock-free via the atomics in entry.go.
type Table struct {
	shards [shardCount]shard

	onEvict func(key flowkey.Key)
}

type shard struct {
	mu   sync.Mutex
	lru  *lru.Cache
	keys map[flowkey.Key]struct{} // mirrors lru's key set; groupcache/lru has no iterator
}

// NewTable creates a Table with the given total capacity, divided
// approximately evenly across shards. onEvict, if non-nil, is called
// synchronously (from within the evicting shard's lock, so it must not
// call back into the same Table) whenever LRU pressure evicts an
// entry, so callers can maintain a table_evictions metric.
func NewTable(capacity int, onEvict func(key flowkey.Key)) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := &Table{onEvict: onEvict}
	perShard := capacity / shardCount
	if perShard < 1 {
		perShard = 1
	}
	for i := range t.shards {
		s := &t.shards[i]
		s.lru = lru.New(perShard)
		s.keys = make(map[flowkey.Key]struct{})
		s.lru.OnEvicted = func(key lru.Key, value interface{}) {
			// Called synchronously from within Add/Remove while the
			// shard's mutex is already held by the caller; must not
			// re-lock it here.
			k := key.(flowkey.Key)
			delete(s.keys, k)
			if t.onEvict != nil {
				t.onEvict(k)
			}
		}
	}
	return t
}

func (t *Table) shardFor(k flowkey.Key) *shard {
	h := fnv.New64a()
	var buf [13]byte
	buf[0] = byte(k.SrcIP >> 24)
	buf[1] = byte(k.SrcIP >> 16)
	buf[2] = byte(k.SrcIP >> 8)
	buf[3] = byte(k.SrcIP)
	buf[4] = byte(k.DstIP >> 24)
	buf[5] = byte(k.DstIP >> 16)
	buf[6] = byte(k.DstIP >> 8)
	buf[7] = byte(k.DstIP)
	buf[8] = byte(k.SrcPort >> 8)
	buf[9] = byte(k.SrcPort)
	buf[10] = byte(k.DstPort >> 8)
	buf[11] = byte(k.DstPort)
	buf[12] = byte(k.Proto)
	h.Write(buf[:])
	return &t.shards[h.Sum64()%shardCount]
}

// LookupForward returns the entry stored under exactly K, if any.
func (t *Table) LookupForward(k flowkey.Key) (*Entry, bool) {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lru.Get(k)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// LookupReverse tries reverse(K) and, if found, returns the key that
// actually matched along with its entry.
func (t *Table) LookupReverse(k flowkey.Key) (flowkey.Key, *Entry, bool) {
	rk := k.Reverse()
	s := t.shardFor(rk)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lru.Get(rk)
	if !ok {
		return flowkey.Key{}, nil, false
	}
	return rk, v.(*Entry), true
}

// Insert adds e under k, evicting an approximately-least-recently-used
// entry first if the owning shard is at capacity. Idempotent in the
// sense that inserting the same key twice simply replaces the entry.
func (t *Table) Insert(k flowkey.Key, e *Entry) {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(k, e)
	s.keys[k] = struct{}{}
}

// Delete removes k if present; a no-op otherwise. An explicit delete
// is not an eviction, so onEvict is not called for it.
func (t *Table) Delete(k flowkey.Key) {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	// lru.Remove runs OnEvicted too; detach it for this removal.
	onEvicted := s.lru.OnEvicted
	s.lru.OnEvicted = nil
	s.lru.Remove(k)
	s.lru.OnEvicted = onEvicted
	delete(s.keys, k)
}

// Len returns the approximate number of live entries across all
// shards, for the `dataplane_ct_entries` gauge.
func (t *Table) Len() int {
	total := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		total += s.lru.Len()
		s.mu.Unlock()
	}
	return total
}

// KeyedSnapshot pairs a FlowKey with its entry's persisted state, the
// unit of a whole-table Snapshot.
type KeyedSnapshot struct {
	Key  flowkey.Key
	Snap Snapshot
}

// Snapshot captures every live entry so the table can be pinned
// across a process restart. It is a point-in-time
// read, not a transaction: entries created or deleted concurrently
// with the snapshot may or may not be included.
func (t *Table) Snapshot() []KeyedSnapshot {
	var out []KeyedSnapshot
	t.Each(func(k flowkey.Key, e *Entry) {
		out = append(out, KeyedSnapshot{Key: k, Snap: e.Snap()})
	})
	return out
}

// Restore repopulates t from a prior Snapshot. Each entry goes through
// Insert, so a snapshot holding more entries than a shard can keep
// evicts (and reports through onEvict) like any other insert.
// Intended to run once, before the table is exposed to traffic.
func (t *Table) Restore(snaps []KeyedSnapshot) {
	for _, ks := range snaps {
		t.Insert(ks.Key, EntryFromSnapshot(ks.Snap))
	}
}

// Each calls fn once per live entry, in no particular order. The key
// set is copied out under the shard lock first, then looked up one at
// a time, so fn itself may freely call back into the Table (e.g.
// Delete) without deadlocking; a key deleted concurrently between the
// copy and the lookup is simply skipped.
func (t *Table) Each(fn func(k flowkey.Key, e *Entry)) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		keys := make([]flowkey.Key, 0, len(s.keys))
		for k := range s.keys {
			keys = append(keys, k)
		}
		s.mu.Unlock()

		for _, k := range keys {
			if e, ok := t.LookupForward(k); ok {
				fn(k, e)
			}
		}
	}
}
