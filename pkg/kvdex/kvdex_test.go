package kvdex_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
	"github.com/adfharrison1/go-kvdex/pkg/kvdex"
	"github.com/adfharrison1/go-kvdex/pkg/store"
	"github.com/adfharrison1/go-kvdex/pkg/store/bolt"
	"github.com/adfharrison1/go-kvdex/pkg/store/memory"
)

type User struct {
	Username string  `json:"username"`
	Email    string  `json:"email"`
	Age      int     `json:"age"`
	Country  string  `json:"country,omitempty"`
	Nickname *string `json:"nickname"`
}

type storeFactory func(t *testing.T) store.Store

// stores lists the store implementations every engine test runs against.
func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) store.Store {
			s := memory.New()
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"bolt": func(t *testing.T) store.Store {
			s, err := bolt.Open(filepath.Join(t.TempDir(), "kvdex.db"), bolt.WithNoSync(true), bolt.WithPageSize(3))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

// eachStore runs fn once per store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, s store.Store)) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newUsers(t *testing.T, db *kvdex.Database, options ...kvdex.CollectionOption) *kvdex.Collection[User] {
	t.Helper()
	options = append([]kvdex.CollectionOption{kvdex.WithIndices(map[string]kvdex.IndexKind{
		"username": kvdex.Primary,
		"email":    kvdex.Primary,
		"country":  kvdex.Secondary,
		"nickname": kvdex.Secondary,
	})}, options...)
	users, err := kvdex.NewCollection[User](db, keys.Key{"users"}, options...)
	require.NoError(t, err)
	return users
}

// countKeys counts every stored key below the given parts.
func countKeys(t *testing.T, s store.Store, parts ...keys.Part) int {
	t.Helper()
	it, err := s.Scan(context.Background(), store.Range{Prefix: keys.MustEncode(keys.Key(parts))})
	require.NoError(t, err)
	defer it.Close()
	n := 0
	for it.Next() {
		n++
	}
	require.NoError(t, it.Err())
	return n
}

func ptr[T any](v T) *T { return &v }

func ids[T any](docs []kvdex.Document[T]) []keys.Part {
	out := make([]keys.Part, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}
