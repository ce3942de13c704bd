package kvdex_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
	"github.com/adfharrison1/go-kvdex/pkg/kvdex"
	"github.com/adfharrison1/go-kvdex/pkg/store"
	"github.com/adfharrison1/go-kvdex/pkg/store/memory"
)

func TestNewCollectionConfiguration(t *testing.T) {
	db := kvdex.New(memory.New())
	_, err := kvdex.NewCollection[User](db, keys.Key{"users"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		root    keys.Key
		options []kvdex.CollectionOption
		target  error
	}{
		{name: "empty root", root: keys.Key{}},
		{name: "duplicate root", root: keys.Key{"users"}, target: kvdex.ErrDuplicateRoot},
		{name: "nested root", root: keys.Key{"users", "archived"}, target: kvdex.ErrDuplicateRoot},
		{name: "invalid root part", root: keys.Key{struct{}{}}},
		{name: "reserved root part", root: keys.Key{keys.IDPrefix}},
		{
			name:    "empty index field",
			root:    keys.Key{"a"},
			options: []kvdex.CollectionOption{kvdex.WithIndices(map[string]kvdex.IndexKind{"": kvdex.Primary})},
			target:  kvdex.ErrInvalidIndexSpec,
		},
		{
			name:    "unknown index kind",
			root:    keys.Key{"b"},
			options: []kvdex.CollectionOption{kvdex.WithIndices(map[string]kvdex.IndexKind{"x": 7})},
			target:  kvdex.ErrInvalidIndexSpec,
		},
		{
			name:    "id generator of another type",
			root:    keys.Key{"c"},
			options: []kvdex.CollectionOption{kvdex.WithIDGenerator(func(int) keys.Part { return "x" })},
		},
		{
			name:    "unknown compression",
			root:    keys.Key{"d"},
			options: []kvdex.CollectionOption{kvdex.WithSerialization(kvdex.Serialized), kvdex.WithCompression("brotli")},
		},
		{
			name:    "zero segment size",
			root:    keys.Key{"e"},
			options: []kvdex.CollectionOption{kvdex.WithSerialization(kvdex.Serialized), kvdex.WithSegmentSize(0)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := kvdex.NewCollection[User](db, tt.root, tt.options...)
			require.Error(t, err)
			var cfgErr *kvdex.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "got %T", err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}

	// Only values with fields can be indexed.
	indices := kvdex.WithIndices(map[string]kvdex.IndexKind{"n": kvdex.Primary})
	_, err = kvdex.NewCollection[uint64](db, keys.Key{"counters"}, indices)
	assert.ErrorIs(t, err, kvdex.ErrInvalidIndexSpec)
	_, err = kvdex.NewCollection[string](db, keys.Key{"names"}, indices)
	assert.ErrorIs(t, err, kvdex.ErrInvalidIndexSpec)
	_, err = kvdex.NewCollection[[]int](db, keys.Key{"lists"}, indices)
	assert.ErrorIs(t, err, kvdex.ErrInvalidIndexSpec)
	_, err = kvdex.NewCollection[map[int]string](db, keys.Key{"numbered"}, indices)
	assert.ErrorIs(t, err, kvdex.ErrInvalidIndexSpec)

	_, err = kvdex.NewCollection[*User](db, keys.Key{"user_refs"}, indices)
	assert.NoError(t, err)
	_, err = kvdex.NewCollection[map[string]any](db, keys.Key{"docs"}, indices)
	assert.NoError(t, err)
	_, err = kvdex.NewCollection[uint64](db, keys.Key{"names"})
	assert.NoError(t, err, "rejected collections are not registered")
}

func TestAddFindDelete(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		users := newUsers(t, kvdex.New(s))

		res, err := users.Add(ctx, User{Username: "alice", Email: "alice@example.com", Age: 30, Country: "NO"})
		require.NoError(t, err)
		require.True(t, res.OK)
		require.NotNil(t, res.ID)
		require.NotEmpty(t, res.Versionstamp)

		doc, err := users.Find(ctx, res.ID)
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, "alice", doc.Value.Username)
		assert.Equal(t, 30, doc.Value.Age)
		assert.Equal(t, res.Versionstamp, doc.Versionstamp)

		missing, err := users.Find(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, missing)

		require.NoError(t, users.Delete(ctx, res.ID))
		doc, err = users.Find(ctx, res.ID)
		require.NoError(t, err)
		assert.Nil(t, doc)

		// Deleting an absent document is a no-op.
		require.NoError(t, users.Delete(ctx, res.ID, "never-existed"))

		assert.Equal(t, 0, countKeys(t, s, "users"), "document and index entries should be gone")
	})
}

func TestSetWithoutOverwriteRejectsExistingID(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		users := newUsers(t, kvdex.New(s))

		res, err := users.Set(ctx, "u1", User{Username: "alice", Email: "a@x"})
		require.NoError(t, err)
		require.True(t, res.OK)

		res, err = users.Set(ctx, "u1", User{Username: "bob", Email: "b@x"})
		require.NoError(t, err)
		assert.False(t, res.OK)

		doc, err := users.Find(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "alice", doc.Value.Username)

		// Bob's primary entries were never written.
		found, err := users.FindByPrimaryIndex(ctx, "username", "bob")
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestPrimaryIndexUniqueness(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		users := newUsers(t, kvdex.New(s))

		first, err := users.Add(ctx, User{Username: "alice", Email: "alice@example.com"})
		require.NoError(t, err)
		require.True(t, first.OK)

		second, err := users.Add(ctx, User{Username: "alice", Email: "other@example.com"})
		require.NoError(t, err)
		assert.False(t, second.OK)

		n, err := users.Count(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		doc, err := users.FindByPrimaryIndex(ctx, "username", "alice")
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, first.ID, doc.ID)
		assert.Equal(t, "alice@example.com", doc.Value.Email)

		// The rejected document left no email entry behind.
		doc, err = users.FindByPrimaryIndex(ctx, "email", "other@example.com")
		require.NoError(t, err)
		assert.Nil(t, doc)
	})
}

func TestOptionalIndexField(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		users := newUsers(t, kvdex.New(s))

		res, err := users.Add(ctx, User{Username: "alice", Email: "a@x"})
		require.NoError(t, err)
		require.True(t, res.OK)

		assert.Equal(t, 0, countKeys(t, s, "users", keys.SecondaryIndexPrefix, "nickname"))
		assert.Equal(t, 0, countKeys(t, s, "users", keys.SecondaryIndexPrefix, "country"))
		assert.Equal(t, 2, countKeys(t, s, "users", keys.PrimaryIndexPrefix))

		_, err = users.Update(ctx, res.ID, func(u User) (User, error) {
			u.Nickname = ptr("ally")
			return u, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, countKeys(t, s, "users", keys.SecondaryIndexPrefix, "nickname"))

		_, err = users.Update(ctx, res.ID, func(u User) (User, error) {
			u.Nickname = nil
			return u, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 0, countKeys(t, s, "users", keys.SecondaryIndexPrefix, "nickname"))
	})
}

func TestUpdateMaintainsIndices(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		users := newUsers(t, kvdex.New(s))

		res, err := users.Set(ctx, "u1", User{Username: "alice", Email: "a@x", Country: "NO"})
		require.NoError(t, err)
		require.True(t, res.OK)

		upd, err := users.Update(ctx, "u1", func(u User) (User, error) {
			u.Username = "alicia"
			u.Country = "SE"
			return u, nil
		})
		require.NoError(t, err)
		require.True(t, upd.OK)
		assert.Greater(t, string(upd.Versionstamp), string(res.Versionstamp))

		old, err := users.FindByPrimaryIndex(ctx, "username", "alice")
		require.NoError(t, err)
		assert.Nil(t, old)

		doc, err := users.FindByPrimaryIndex(ctx, "username", "alicia")
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, "u1", doc.ID)
		assert.Equal(t, upd.Versionstamp, doc.Versionstamp)

		// Unchanged primary values keep resolving to the new document value.
		doc, err = users.FindByPrimaryIndex(ctx, "email", "a@x")
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, "alicia", doc.Value.Username)

		norway, err := users.FindBySecondaryIndex(ctx, "country", "NO", nil)
		require.NoError(t, err)
		assert.Empty(t, norway.Result)

		sweden, err := users.FindBySecondaryIndex(ctx, "country", "SE", nil)
		require.NoError(t, err)
		require.Len(t, sweden.Result, 1)
		assert.Equal(t, "alicia", sweden.Result[0].Value.Username)

		_, err = users.Update(ctx, "missing", func(u User) (User, error) { return u, nil })
		assert.ErrorIs(t, err, kvdex.ErrDocumentNotFound)

		mutateErr := errors.New("refused")
		_, err = users.Update(ctx, "u1", func(u User) (User, error) { return u, mutateErr })
		assert.ErrorIs(t, err, mutateErr)
	})
}

func TestUpdateMutatingMapInPlace(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	defer s.Close()
	people, err := kvdex.NewCollection[map[string]any](kvdex.New(s), keys.Key{"people"},
		kvdex.WithIndices(map[string]kvdex.IndexKind{"email": kvdex.Primary, "city": kvdex.Secondary}))
	require.NoError(t, err)

	_, err = people.Set(ctx, "p1", map[string]any{"email": "a@x", "city": "Oslo"})
	require.NoError(t, err)

	res, err := people.Update(ctx, "p1", func(m map[string]any) (map[string]any, error) {
		m["email"] = "b@x"
		m["city"] = "Bergen"
		return m, nil
	})
	require.NoError(t, err)
	require.True(t, res.OK)

	old, err := people.FindByPrimaryIndex(ctx, "email", "a@x")
	require.NoError(t, err)
	assert.Nil(t, old)
	oslo, err := people.FindBySecondaryIndex(ctx, "city", "Oslo", nil)
	require.NoError(t, err)
	assert.Empty(t, oslo.Result)
	assert.Equal(t, 1, countKeys(t, s, "people", keys.SecondaryIndexPrefix))
	assert.Equal(t, 1, countKeys(t, s, "people", keys.PrimaryIndexPrefix))
}

func TestUpdateIntoTakenPrimaryValueFails(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	defer s.Close()
	users := newUsers(t, kvdex.New(s))

	_, err := users.Set(ctx, "a", User{Username: "alice", Email: "a@x"})
	require.NoError(t, err)
	_, err = users.Set(ctx, "b", User{Username: "bob", Email: "b@x"})
	require.NoError(t, err)

	res, err := users.Update(ctx, "b", func(u User) (User, error) {
		u.Username = "alice"
		return u, nil
	})
	require.NoError(t, err)
	assert.False(t, res.OK)

	doc, err := users.FindByPrimaryIndex(ctx, "username", "bob")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "b", doc.ID)
}

func TestSetOverwrite(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		users := newUsers(t, kvdex.New(s))

		_, err := users.Set(ctx, "u1", User{Username: "alice", Email: "a@x", Country: "NO"})
		require.NoError(t, err)

		res, err := users.Set(ctx, "u1", User{Username: "bob", Email: "b@x"}, kvdex.SetOptions{Overwrite: true})
		require.NoError(t, err)
		require.True(t, res.OK)

		doc, err := users.Find(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "bob", doc.Value.Username)

		// Entries of the replaced value are gone, only bob's remain.
		assert.Equal(t, 2, countKeys(t, s, "users", keys.PrimaryIndexPrefix))
		assert.Equal(t, 0, countKeys(t, s, "users", keys.SecondaryIndexPrefix))

		// Overwrite of an absent id behaves like a plain set.
		res, err = users.Set(ctx, "u2", User{Username: "carol", Email: "c@x"}, kvdex.SetOptions{Overwrite: true})
		require.NoError(t, err)
		assert.True(t, res.OK)
	})
}

func TestAddManyIsAllOrNothing(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		users := newUsers(t, kvdex.New(s))

		res, err := users.AddMany(ctx, []User{
			{Username: "a", Email: "a@x"},
			{Username: "b", Email: "b@x"},
		})
		require.NoError(t, err)
		require.True(t, res.OK)
		assert.Len(t, res.IDs, 2)

		// "b" is taken, so "c" must not be written either.
		res, err = users.AddMany(ctx, []User{
			{Username: "c", Email: "c@x"},
			{Username: "b", Email: "b2@x"},
		})
		require.NoError(t, err)
		assert.False(t, res.OK)

		n, err := users.Count(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

func TestAddManyRejectsDuplicatePrimaryValues(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		users := newUsers(t, kvdex.New(s))

		_, err := users.AddMany(ctx, []User{
			{Username: "alice", Email: "a@x"},
			{Username: "alice", Email: "b@x"},
		})
		assert.ErrorIs(t, err, kvdex.ErrIDCollision)

		n, err := users.Count(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.Equal(t, 0, countKeys(t, s, "users"))

		res, err := users.AddMany(ctx, []User{
			{Username: "alice", Email: "a@x"},
			{Username: "bob", Email: "b@x"},
		})
		require.NoError(t, err)
		assert.True(t, res.OK)
	})
}

func TestFindManyKeepsOrder(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	defer s.Close()
	numbers, err := kvdex.NewCollection[int](kvdex.New(s), keys.Key{"numbers"})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := numbers.Set(ctx, i, i*i)
		require.NoError(t, err)
	}

	docs, err := numbers.FindMany(ctx, []keys.Part{7, 3, 99, 12, 0})
	require.NoError(t, err)
	assert.Equal(t, []keys.Part{int64(7), int64(3), int64(12), int64(0)}, ids(docs))
	assert.Equal(t, 49, docs[0].Value)
	assert.Equal(t, 144, docs[2].Value)
}

func TestCustomIDGenerator(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	defer s.Close()
	users, err := kvdex.NewCollection[User](kvdex.New(s), keys.Key{"users"},
		kvdex.WithIDGenerator(func(u User) keys.Part { return u.Username }))
	require.NoError(t, err)

	res, err := users.Add(ctx, User{Username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", res.ID)

	// A generator that repeats itself within one batch collides.
	_, err = users.AddMany(ctx, []User{{Username: "bob"}, {Username: "bob"}})
	assert.ErrorIs(t, err, kvdex.ErrIDCollision)
}

func TestInvalidIndexValue(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	defer s.Close()
	docs, err := kvdex.NewCollection[map[string]any](kvdex.New(s), keys.Key{"docs"},
		kvdex.WithIndices(map[string]kvdex.IndexKind{"tags": kvdex.Secondary}))
	require.NoError(t, err)

	_, err = docs.Add(ctx, map[string]any{"tags": []string{"a", "b"}})
	assert.ErrorIs(t, err, kvdex.ErrInvalidIndexValue)
	assert.Equal(t, 0, s.Len())

	res, err := docs.Add(ctx, map[string]any{"tags": "a"})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestUndeclaredIndexFieldMatchesNothing(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	defer s.Close()
	users := newUsers(t, kvdex.New(s))

	_, err := users.Add(ctx, User{Username: "alice", Email: "a@x", Age: 30})
	require.NoError(t, err)

	doc, err := users.FindByPrimaryIndex(ctx, "age", 30)
	require.NoError(t, err)
	assert.Nil(t, doc)

	// A primary field is not searchable as secondary.
	res, err := users.FindBySecondaryIndex(ctx, "username", "alice", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Result)
	assert.Empty(t, res.Cursor)
}

func TestIndexLookupsByManyAndPrimary(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		users := newUsers(t, kvdex.New(s))

		for i := 0; i < 6; i++ {
			country := "NO"
			if i%2 == 1 {
				country = "SE"
			}
			_, err := users.Set(ctx, i, User{
				Username: fmt.Sprintf("user%d", i),
				Email:    fmt.Sprintf("user%d@x", i),
				Age:      20 + i,
				Country:  country,
			})
			require.NoError(t, err)
		}

		upd, err := users.UpdateBySecondaryIndex(ctx, "country", "SE", func(u User) (User, error) {
			u.Age += 100
			return u, nil
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, upd.Count)

		doc, err := users.Find(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, 123, doc.Value.Age)

		res, err := users.UpdateByPrimaryIndex(ctx, "username", "user0", func(u User) (User, error) {
			u.Country = "SE"
			return u, nil
		})
		require.NoError(t, err)
		assert.True(t, res.OK)

		_, err = users.UpdateByPrimaryIndex(ctx, "username", "nobody", func(u User) (User, error) { return u, nil })
		assert.ErrorIs(t, err, kvdex.ErrDocumentNotFound)

		del, err := users.DeleteBySecondaryIndex(ctx, "country", "SE", nil)
		require.NoError(t, err)
		assert.Equal(t, 4, del.Count)

		require.NoError(t, users.DeleteByPrimaryIndex(ctx, "email", "user2@x"))
		require.NoError(t, users.DeleteByPrimaryIndex(ctx, "email", "missing@x"))

		left, err := users.GetMany(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, []keys.Part{int64(4)}, ids(left.Result))
		assert.Equal(t, 2, countKeys(t, s, "users", keys.PrimaryIndexPrefix))
		assert.Equal(t, 1, countKeys(t, s, "users", keys.SecondaryIndexPrefix))
	})
}

// racingStore changes a document right before selected commits, as a
// concurrent writer would. By default the document at key is rewritten;
// race replaces that.
type racingStore struct {
	store.Store
	key   []byte
	race  func(ctx context.Context, s store.Store) error
	races atomic.Int32
}

func (r *racingStore) Commit(ctx context.Context, b *store.Batch) (store.CommitResult, error) {
	if r.races.Load() > 0 && len(b.Checks) > 0 {
		r.races.Add(-1)
		if err := r.rewrite(ctx); err != nil {
			return store.CommitResult{}, err
		}
	}
	return r.Store.Commit(ctx, b)
}

func (r *racingStore) rewrite(ctx context.Context) error {
	if r.race != nil {
		return r.race(ctx, r.Store)
	}
	entry, err := r.Store.Get(ctx, r.key)
	if err != nil || entry == nil {
		return err
	}
	_, err = r.Store.Set(ctx, r.key, entry.Value)
	return err
}

func TestDeleteRetriesAfterConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	base := memory.New()
	defer base.Close()
	racing := &racingStore{Store: base, key: keys.MustEncode(keys.DocumentKey(keys.Key{"users"}, "u1"))}
	users := newUsers(t, kvdex.New(racing))

	_, err := users.Set(ctx, "u1", User{Username: "alice", Email: "a@x"})
	require.NoError(t, err)

	racing.races.Store(2)
	require.NoError(t, users.Delete(ctx, "u1"))
	assert.Equal(t, 0, base.Len())

	_, err = users.Set(ctx, "u1", User{Username: "alice", Email: "a@x"})
	require.NoError(t, err)

	racing.races.Store(100)
	err = users.Delete(ctx, "u1")
	assert.ErrorIs(t, err, kvdex.ErrCommitRejected)
}

func TestDeleteAfterConcurrentRemoval(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		docKey := keys.MustEncode(keys.DocumentKey(keys.Key{"users"}, "u1"))
		racing := &racingStore{Store: s, race: func(ctx context.Context, s store.Store) error {
			return s.Delete(ctx, docKey)
		}}
		users := newUsers(t, kvdex.New(racing))

		_, err := users.Set(ctx, "u1", User{Username: "alice", Email: "a@x", Country: "NO", Nickname: ptr("al")})
		require.NoError(t, err)
		_, err = users.Set(ctx, "u2", User{Username: "bob", Email: "b@x", Country: "NO"})
		require.NoError(t, err)

		racing.races.Store(1)
		require.NoError(t, users.Delete(ctx, "u1"))

		doc, err := users.Find(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, doc)
		// Only the entries of "u2" are left.
		assert.Equal(t, 2, countKeys(t, s, "users", keys.PrimaryIndexPrefix))
		assert.Equal(t, 1, countKeys(t, s, "users", keys.SecondaryIndexPrefix))
		found, err := users.FindByPrimaryIndex(ctx, "username", "alice")
		require.NoError(t, err)
		assert.Nil(t, found)
		byCountry, err := users.FindBySecondaryIndex(ctx, "country", "NO", nil)
		require.NoError(t, err)
		assert.Equal(t, []keys.Part{"u2"}, ids(byCountry.Result))

		require.NoError(t, users.Delete(ctx, "u1"))
		assert.Equal(t, 1, countKeys(t, s, "users", keys.IDPrefix))
		assert.Equal(t, 4, countKeys(t, s, "users"))

		// "alice" is free again.
		res, err := users.Set(ctx, "u3", User{Username: "alice", Email: "a@x"})
		require.NoError(t, err)
		assert.True(t, res.OK)
	})
}

func TestDeleteKeepsPrimaryEntryClaimedByAnotherDocument(t *testing.T) {
	ctx := context.Background()
	base := memory.New()
	defer base.Close()
	other := newUsers(t, kvdex.New(base))
	racing := &racingStore{Store: base, race: func(ctx context.Context, s store.Store) error {
		// Another process removes "u1" by hand and gives "alice" to "u2".
		if err := s.Delete(ctx, keys.MustEncode(keys.DocumentKey(keys.Key{"users"}, "u1"))); err != nil {
			return err
		}
		if err := s.Delete(ctx, keys.MustEncode(keys.Key{"users", keys.PrimaryIndexPrefix, "username", "alice"})); err != nil {
			return err
		}
		_, err := other.Set(ctx, "u2", User{Username: "alice", Email: "other@x"})
		return err
	}}
	users := newUsers(t, kvdex.New(racing))

	_, err := users.Set(ctx, "u1", User{Username: "alice", Email: "a@x"})
	require.NoError(t, err)

	racing.races.Store(1)
	require.NoError(t, users.Delete(ctx, "u1"))

	found, err := users.FindByPrimaryIndex(ctx, "username", "alice")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "u2", found.ID)
	found, err = users.FindByPrimaryIndex(ctx, "email", "a@x")
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.Equal(t, 3, base.Len())
}
