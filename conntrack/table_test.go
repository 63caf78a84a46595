package conntrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netshepherd/dataplane/flowkey"
)

func key(n uint16) flowkey.Key {
	return flowkey.New(0x0A000001, 0x0A000002, n, 80, flowkey.ProtoTCP)
}

func TestTableInsertAndLookupForward(t *testing.T) {
	tbl := NewTable(1024, nil)
	k := key(1)
	e := &Entry{}
	tbl.Insert(k, e)

	got, ok := tbl.LookupForward(k)
	require.True(t, ok)
	assert.Same(t, e, got)
}

func TestTableLookupReverseFindsReversedKey(t *testing.T) {
	tbl := NewTable(1024, nil)
	k := key(2)
	e := &Entry{}
	tbl.Insert(k, e)

	rk, got, ok := tbl.LookupReverse(k.Reverse())
	require.True(t, ok)
	assert.Equal(t, k, rk)
	assert.Same(t, e, got)
}

func TestTableLookupMiss(t *testing.T) {
	tbl := NewTable(1024, nil)
	_, ok := tbl.LookupForward(key(3))
	assert.False(t, ok)
	_, _, ok = tbl.LookupReverse(key(3))
	assert.False(t, ok)
}

func TestTableDeleteIsIdempotent(t *testing.T) {
	tbl := NewTable(1024, nil)
	k := key(4)
	tbl.Insert(k, &Entry{})
	tbl.Delete(k)
	tbl.Delete(k) // no panic, no-op

	_, ok := tbl.LookupForward(k)
	assert.False(t, ok)
}

func TestTableEvictsAtCapacity(t *testing.T) {
	var evicted []flowkey.Key
	// shardCount shards, 1 slot each so every shard is forced to evict
	// on its second insert.
	tbl := NewTable(shardCount, func(k flowkey.Key) {
		evicted = append(evicted, k)
	})

	// Two keys that hash to the same shard: brute-force search since
	// the shard function isn't exposed.
	var a, b flowkey.Key
	found := false
	for i := uint16(0); i < 2000 && !found; i++ {
		a = key(i)
		for j := i + 1; j < 2000; j++ {
			b = key(j)
			if tbl.shardFor(a) == tbl.shardFor(b) {
				found = true
				break
			}
		}
	}
	require.True(t, found, "expected to find two keys sharing a shard")

	tbl.Insert(a, &Entry{})
	tbl.Insert(b, &Entry{})

	_, aStillPresent := tbl.LookupForward(a)
	_, bPresent := tbl.LookupForward(b)
	assert.True(t, bPresent)
	assert.False(t, aStillPresent)
	assert.Equal(t, []flowkey.Key{a}, evicted)
}

func TestTableLen(t *testing.T) {
	tbl := NewTable(1024, nil)
	assert.Equal(t, 0, tbl.Len())
	tbl.Insert(key(10), &Entry{})
	tbl.Insert(key(11), &Entry{})
	assert.Equal(t, 2, tbl.Len())
}
