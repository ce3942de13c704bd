package kvdex_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
	"github.com/adfharrison1/go-kvdex/pkg/kvdex"
	"github.com/adfharrison1/go-kvdex/pkg/store"
)

const numberCount = 50

// newNumbers stores the values 0..numberCount-1 under their own int ids.
func newNumbers(t *testing.T, s store.Store) *kvdex.Collection[int] {
	t.Helper()
	ctx := context.Background()
	numbers, err := kvdex.NewCollection[int](kvdex.New(s), keys.Key{"numbers"})
	require.NoError(t, err)

	// Insert out of order; enumeration follows ids, not insertion.
	for _, i := range []int{17, 3, 42} {
		_, err := numbers.Set(ctx, i, i)
		require.NoError(t, err)
	}
	for i := 0; i < numberCount; i++ {
		if i == 17 || i == 3 || i == 42 {
			continue
		}
		_, err := numbers.Set(ctx, i, i)
		require.NoError(t, err)
	}
	return numbers
}

func values(docs []kvdex.Document[int]) []int {
	out := make([]int, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Value)
	}
	return out
}

func sequence(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

// pageAll follows cursors until the enumeration is exhausted.
func pageAll(t *testing.T, numbers *kvdex.Collection[int], opts kvdex.ListOptions[int]) []int {
	t.Helper()
	var out []int
	for pages := 0; ; pages++ {
		require.Less(t, pages, 2*numberCount, "cursor does not advance")
		res, err := numbers.GetMany(context.Background(), &opts)
		require.NoError(t, err)
		if opts.Limit > 0 {
			require.LessOrEqual(t, len(res.Result), opts.Limit)
		}
		out = append(out, values(res.Result)...)
		if res.Cursor == "" {
			return out
		}
		opts.Cursor = res.Cursor
	}
}

func TestPaginationIdempotence(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		numbers := newNumbers(t, s)

		all, err := numbers.GetMany(context.Background(), nil)
		require.NoError(t, err)
		require.Empty(t, all.Cursor)
		require.Equal(t, sequence(0, numberCount), values(all.Result))

		for _, limit := range []int{1, 3, 5, 7, 10, 49, 50, 51} {
			assert.Equal(t, values(all.Result), pageAll(t, numbers, kvdex.ListOptions[int]{Limit: limit}), "limit %d", limit)
		}
	})
}

func TestCursorOnlyWhenMoreRemain(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		numbers := newNumbers(t, s)
		ctx := context.Background()

		res, err := numbers.GetMany(ctx, &kvdex.ListOptions[int]{Limit: numberCount})
		require.NoError(t, err)
		assert.Len(t, res.Result, numberCount)
		assert.Empty(t, res.Cursor)

		res, err = numbers.GetMany(ctx, &kvdex.ListOptions[int]{Limit: numberCount - 1})
		require.NoError(t, err)
		assert.NotEmpty(t, res.Cursor)
	})
}

func TestReversalLaw(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		numbers := newNumbers(t, s)

		forward := pageAll(t, numbers, kvdex.ListOptions[int]{})
		reverse := pageAll(t, numbers, kvdex.ListOptions[int]{Reverse: true})
		slices.Reverse(reverse)
		assert.Equal(t, forward, reverse)

		// Paging backwards yields the same sequence.
		paged := pageAll(t, numbers, kvdex.ListOptions[int]{Reverse: true, Limit: 6})
		slices.Reverse(paged)
		assert.Equal(t, forward, paged)
	})
}

func TestRangeLaw(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		numbers := newNumbers(t, s)

		tests := []struct {
			name     string
			opts     kvdex.ListOptions[int]
			expected []int
		}{
			{"start only", kvdex.ListOptions[int]{StartID: 45}, sequence(45, numberCount)},
			{"end only", kvdex.ListOptions[int]{EndID: 4}, sequence(0, 4)},
			{"start and end", kvdex.ListOptions[int]{StartID: 10, EndID: 20}, sequence(10, 20)},
			{"paged range", kvdex.ListOptions[int]{StartID: 10, EndID: 20, Limit: 3}, sequence(10, 20)},
			{"empty range", kvdex.ListOptions[int]{StartID: 20, EndID: 20}, nil},
			{"reversed range", kvdex.ListOptions[int]{StartID: 10, EndID: 13, Reverse: true}, []int{12, 11, 10}},
			{"reversed paged range", kvdex.ListOptions[int]{StartID: 10, EndID: 15, Reverse: true, Limit: 2}, []int{14, 13, 12, 11, 10}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.expected, pageAll(t, numbers, tt.opts))
			})
		}
	})
}

func TestFilterDoesNotCountTowardLimit(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		numbers := newNumbers(t, s)
		even := func(d kvdex.Document[int]) bool { return d.Value%2 == 0 }

		res, err := numbers.GetMany(context.Background(), &kvdex.ListOptions[int]{Limit: 5, Filter: even})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 2, 4, 6, 8}, values(res.Result))
		assert.NotEmpty(t, res.Cursor)

		var evens []int
		for i := 0; i < numberCount; i += 2 {
			evens = append(evens, i)
		}
		assert.Equal(t, evens, pageAll(t, numbers, kvdex.ListOptions[int]{Limit: 4, Filter: even}))

		n, err := numbers.Count(context.Background(), &kvdex.ListOptions[int]{Filter: even})
		require.NoError(t, err)
		assert.Equal(t, numberCount/2, n)
	})
}

func TestInvalidCursor(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		numbers := newNumbers(t, s)
		for _, cursor := range []string{"!!not-base64!!", "AAAA"} {
			_, err := numbers.GetMany(context.Background(), &kvdex.ListOptions[int]{Cursor: cursor})
			assert.ErrorIs(t, err, kvdex.ErrInvalidCursor, cursor)
		}
	})
}

func TestForEachAndCount(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		numbers := newNumbers(t, s)
		ctx := context.Background()

		sum := 0
		cursor, err := numbers.ForEach(ctx, func(d kvdex.Document[int]) error {
			sum += d.Value
			return nil
		}, nil)
		require.NoError(t, err)
		assert.Empty(t, cursor)
		assert.Equal(t, numberCount*(numberCount-1)/2, sum)

		stop := errors.New("stop")
		_, err = numbers.ForEach(ctx, func(d kvdex.Document[int]) error {
			if d.Value == 3 {
				return stop
			}
			return nil
		}, nil)
		assert.ErrorIs(t, err, stop)

		n, err := numbers.Count(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, numberCount, n)

		n, err = numbers.Count(ctx, &kvdex.ListOptions[int]{StartID: 40})
		require.NoError(t, err)
		assert.Equal(t, 10, n)
	})
}

func TestUpdateManyAndDeleteMany(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		numbers := newNumbers(t, s)
		ctx := context.Background()

		upd, err := numbers.UpdateMany(ctx, func(v int) (int, error) { return v * 10, nil },
			&kvdex.ListOptions[int]{EndID: 5})
		require.NoError(t, err)
		assert.Equal(t, 5, upd.Count)

		docs, err := numbers.GetMany(ctx, &kvdex.ListOptions[int]{Limit: 6})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 10, 20, 30, 40, 5}, values(docs.Result))

		del, err := numbers.DeleteMany(ctx, &kvdex.ListOptions[int]{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 10, del.Count)
		assert.NotEmpty(t, del.Cursor)

		n, err := numbers.Count(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, numberCount-10, n)

		del, err = numbers.DeleteMany(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, numberCount-10, del.Count)
		assert.Equal(t, 0, countKeys(t, s, "numbers"))
	})
}

func TestSecondaryIndexPagination(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		users := newUsers(t, kvdex.New(s))

		for i := 0; i < 12; i++ {
			country := "NO"
			if i%3 == 0 {
				country = "DK"
			}
			_, err := users.Set(ctx, i, User{Username: string(rune('a' + i)), Email: string(rune('a'+i)) + "@x", Country: country})
			require.NoError(t, err)
		}

		var got []keys.Part
		opts := &kvdex.ListOptions[User]{Limit: 3}
		for {
			res, err := users.FindBySecondaryIndex(ctx, "country", "NO", opts)
			require.NoError(t, err)
			got = append(got, ids(res.Result)...)
			if res.Cursor == "" {
				break
			}
			opts.Cursor = res.Cursor
		}
		assert.Equal(t, []keys.Part{int64(1), int64(2), int64(4), int64(5), int64(7), int64(8), int64(10), int64(11)}, got)

		res, err := users.FindBySecondaryIndex(ctx, "country", "DK", &kvdex.ListOptions[User]{Reverse: true, StartID: 3})
		require.NoError(t, err)
		assert.Equal(t, []keys.Part{int64(9), int64(6), int64(3)}, ids(res.Result))

		res, err = users.FindBySecondaryIndex(ctx, "country", "FI", nil)
		require.NoError(t, err)
		assert.Empty(t, res.Result)
	})
}
