// Package storetest holds the behavior every store.Store implementation must
// share. Implementations run it from their own tests.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
	"github.com/adfharrison1/go-kvdex/pkg/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"GetSetDelete", testGetSetDelete},
		{"CommitChecks", testCommitChecks},
		{"CommitSum", testCommitSum},
		{"ScanOrderAndBounds", testScanOrderAndBounds},
		{"ScanLimit", testScanLimit},
		{"QueueUndelivered", testQueueUndelivered},
		{"Closed", testClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func key(parts ...keys.Part) []byte {
	return keys.MustEncode(keys.Key(parts))
}

func testGetSetDelete(t *testing.T, s store.Store) {
	ctx := context.Background()

	entry, err := s.Get(ctx, key("a"))
	require.NoError(t, err)
	assert.Nil(t, entry)

	vs1, err := s.Set(ctx, key("a"), []byte("one"))
	require.NoError(t, err)
	require.NotEmpty(t, vs1)

	entry, err = s.Get(ctx, key("a"), store.WithConsistency(store.Eventual))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []byte("one"), entry.Value)
	assert.Equal(t, vs1, entry.Versionstamp)

	vs2, err := s.Set(ctx, key("a"), []byte("two"))
	require.NoError(t, err)
	assert.NotEqual(t, vs1, vs2)
	assert.Greater(t, string(vs2), string(vs1), "versionstamps should increase")

	require.NoError(t, s.Delete(ctx, key("a")))
	require.NoError(t, s.Delete(ctx, key("a")), "deleting an absent key is not an error")

	entry, err = s.Get(ctx, key("a"))
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func testCommitChecks(t *testing.T, s store.Store) {
	ctx := context.Background()

	res, err := s.Commit(ctx, new(store.Batch).
		Check(key("x"), "").
		Set(key("x"), []byte("1")).
		Set(key("y"), []byte("2")))
	require.NoError(t, err)
	require.True(t, res.OK)

	x, err := s.Get(ctx, key("x"))
	require.NoError(t, err)
	y, err := s.Get(ctx, key("y"))
	require.NoError(t, err)
	assert.Equal(t, res.Versionstamp, x.Versionstamp, "one versionstamp per commit")
	assert.Equal(t, res.Versionstamp, y.Versionstamp)

	// A failing check rejects the whole batch.
	res, err = s.Commit(ctx, new(store.Batch).
		Check(key("x"), "").
		Set(key("z"), []byte("3")).
		Delete(key("y")))
	require.NoError(t, err)
	assert.False(t, res.OK)

	z, err := s.Get(ctx, key("z"))
	require.NoError(t, err)
	assert.Nil(t, z)
	y, err = s.Get(ctx, key("y"))
	require.NoError(t, err)
	assert.NotNil(t, y)

	// A matching versionstamp passes.
	res, err = s.Commit(ctx, new(store.Batch).
		Check(key("x"), x.Versionstamp).
		Set(key("x"), []byte("updated")))
	require.NoError(t, err)
	assert.True(t, res.OK)

	// The old versionstamp is now stale.
	res, err = s.Commit(ctx, new(store.Batch).
		Check(key("x"), x.Versionstamp).
		Set(key("x"), []byte("stale")))
	require.NoError(t, err)
	assert.False(t, res.OK)

	x, err = s.Get(ctx, key("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), x.Value)
}

func testCommitSum(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := s.Commit(ctx, new(store.Batch).Sum(key("counter"), 5))
		require.NoError(t, err)
		require.True(t, res.OK)
	}

	entry, err := s.Get(ctx, key("counter"))
	require.NoError(t, err)
	v, err := store.DecodeU64(entry.Value)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), v)

	_, err = s.Set(ctx, key("text"), []byte("not a number"))
	require.NoError(t, err)

	_, err = s.Commit(ctx, new(store.Batch).Set(key("other"), []byte("x")).Sum(key("text"), 1))
	assert.ErrorIs(t, err, store.ErrInvalidSum)

	other, err := s.Get(ctx, key("other"))
	require.NoError(t, err)
	assert.Nil(t, other, "a failed sum must not leave partial writes")
}

func collect(t *testing.T, it store.Iterator) []string {
	t.Helper()
	defer it.Close()
	var out []string
	for it.Next() {
		k, err := keys.Decode(it.Entry().Key)
		require.NoError(t, err)
		out = append(out, fmt.Sprint(k[len(k)-1]))
	}
	require.NoError(t, it.Err())
	return out
}

func testScanOrderAndBounds(t *testing.T, s store.Store) {
	ctx := context.Background()

	b := new(store.Batch)
	for _, id := range []string{"d", "b", "a", "c", "e"} {
		b.Set(key("coll", id), []byte(id))
	}
	b.Set(key("other", "a"), []byte("x"))
	b.Set(key("coll2", "a"), []byte("x"))
	res, err := s.Commit(ctx, b)
	require.NoError(t, err)
	require.True(t, res.OK)

	prefix := key("coll")

	it, err := s.Scan(ctx, store.Range{Prefix: prefix})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, collect(t, it))

	it, err = s.Scan(ctx, store.Range{Prefix: prefix, Reverse: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, collect(t, it))

	it, err = s.Scan(ctx, store.Range{Prefix: prefix, Start: key("coll", "b"), End: key("coll", "d")})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, collect(t, it))

	it, err = s.Scan(ctx, store.Range{Prefix: prefix, Start: key("coll", "b"), End: key("coll", "d"), Reverse: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, collect(t, it))

	it, err = s.Scan(ctx, store.Range{Prefix: key("missing")})
	require.NoError(t, err)
	assert.Empty(t, collect(t, it))
}

func testScanLimit(t *testing.T, s store.Store) {
	ctx := context.Background()

	b := new(store.Batch)
	for i := 0; i < 300; i++ {
		b.Set(key("n", i), []byte{byte(i)})
	}
	res, err := s.Commit(ctx, b)
	require.NoError(t, err)
	require.True(t, res.OK)

	it, err := s.Scan(ctx, store.Range{Prefix: key("n")})
	require.NoError(t, err)
	assert.Len(t, collect(t, it), 300)

	it, err = s.Scan(ctx, store.Range{Prefix: key("n"), Limit: 7})
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6"}, collect(t, it))

	it, err = s.Scan(ctx, store.Range{Prefix: key("n"), Limit: 2, Reverse: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"299", "298"}, collect(t, it))
}

func testQueueUndelivered(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	require.NoError(t, s.Listen(ctx, func(_ context.Context, payload []byte) error {
		received <- payload
		return nil
	}))
	require.NoError(t, s.Enqueue(ctx, []byte("msg"), store.EnqueueOptions{}))

	select {
	case p := <-received:
		assert.Equal(t, []byte("msg"), p)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func testClosed(t *testing.T, s store.Store) {
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), key("a"))
	assert.ErrorIs(t, err, store.ErrClosed)

	_, err = s.Commit(context.Background(), new(store.Batch).Set(key("a"), nil))
	assert.ErrorIs(t, err, store.ErrClosed)
}
