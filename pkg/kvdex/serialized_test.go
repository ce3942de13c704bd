package kvdex_test

import (
	"bytes"
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
	"github.com/adfharrison1/go-kvdex/pkg/kvdex"
	"github.com/adfharrison1/go-kvdex/pkg/store"
	"github.com/adfharrison1/go-kvdex/pkg/store/memory"
)

type Blob struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

func randomBytes(n int) []byte {
	r := rand.New(rand.NewPCG(1, 2))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.UintN(256))
	}
	return b
}

func TestSerializedRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"random":     randomBytes(5000),
		"repetitive": bytes.Repeat([]byte("kvdex segments "), 400),
		"empty":      nil,
	}

	for _, compression := range []kvdex.Compression{kvdex.CompressionLZ4, kvdex.CompressionZstd, kvdex.CompressionNone} {
		t.Run(string(compression), func(t *testing.T) {
			eachStore(t, func(t *testing.T, s store.Store) {
				ctx := context.Background()
				blobs, err := kvdex.NewCollection[Blob](kvdex.New(s), keys.Key{"blobs"},
					kvdex.WithSerialization(kvdex.Serialized),
					kvdex.WithCompression(compression),
					kvdex.WithSegmentSize(1000),
					kvdex.WithIndices(map[string]kvdex.IndexKind{"name": kvdex.Primary}))
				require.NoError(t, err)

				for name, data := range payloads {
					res, err := blobs.Set(ctx, name, Blob{Name: name, Data: data})
					require.NoError(t, err)
					require.True(t, res.OK)

					doc, err := blobs.Find(ctx, name)
					require.NoError(t, err)
					require.NotNil(t, doc)
					assert.Equal(t, name, doc.Value.Name)
					assert.Equal(t, len(data), len(doc.Value.Data))
					assert.True(t, bytes.Equal(data, doc.Value.Data))

					byIndex, err := blobs.FindByPrimaryIndex(ctx, "name", name)
					require.NoError(t, err)
					require.NotNil(t, byIndex)
					assert.Equal(t, doc.Versionstamp, byIndex.Versionstamp)
				}

				assert.Greater(t, countKeys(t, s, "blobs", keys.SegmentPrefix, "random"), 1)

				all, err := blobs.GetMany(ctx, nil)
				require.NoError(t, err)
				assert.Len(t, all.Result, len(payloads))
			})
		})
	}
}

func TestSerializedOverwriteAndDeleteCleanUpSegments(t *testing.T) {
	eachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		blobs, err := kvdex.NewCollection[Blob](kvdex.New(s), keys.Key{"blobs"},
			kvdex.WithSerialization(kvdex.Serialized),
			kvdex.WithSegmentSize(512))
		require.NoError(t, err)

		_, err = blobs.Set(ctx, "b", Blob{Name: "big", Data: randomBytes(4096)})
		require.NoError(t, err)
		assert.Greater(t, countKeys(t, s, "blobs", keys.SegmentPrefix, "b"), 1)

		res, err := blobs.Set(ctx, "b", Blob{Name: "small", Data: []byte("tiny")}, kvdex.SetOptions{Overwrite: true})
		require.NoError(t, err)
		require.True(t, res.OK)
		assert.Equal(t, 1, countKeys(t, s, "blobs", keys.SegmentPrefix, "b"))

		doc, err := blobs.Find(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, "small", doc.Value.Name)

		_, err = blobs.Update(ctx, "b", func(b Blob) (Blob, error) {
			b.Data = randomBytes(2048)
			return b, nil
		})
		require.NoError(t, err)
		doc, err = blobs.Find(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, randomBytes(2048), doc.Value.Data)

		require.NoError(t, blobs.Delete(ctx, "b"))
		assert.Equal(t, 0, countKeys(t, s, "blobs"))
	})
}

func TestSerializedDetectsMissingSegment(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	defer s.Close()
	blobs, err := kvdex.NewCollection[Blob](kvdex.New(s), keys.Key{"blobs"},
		kvdex.WithSerialization(kvdex.Serialized),
		kvdex.WithCompression(kvdex.CompressionNone),
		kvdex.WithSegmentSize(100))
	require.NoError(t, err)

	_, err = blobs.Set(ctx, "b", Blob{Data: randomBytes(1000)})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, keys.MustEncode(keys.SegmentKey(keys.Key{"blobs"}, "b", 3))))

	_, err = blobs.Find(ctx, "b")
	assert.ErrorIs(t, err, kvdex.ErrCorruptDocument)
}

func TestSerializedUint64DoesNotUseCounterEncoding(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	defer s.Close()
	numbers, err := kvdex.NewCollection[uint64](kvdex.New(s), keys.Key{"big"}, kvdex.WithSerialization(kvdex.Serialized))
	require.NoError(t, err)

	_, err = numbers.Set(ctx, 1, 1<<40)
	require.NoError(t, err)
	doc, err := numbers.Find(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), doc.Value)
}
