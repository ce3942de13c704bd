package kvdex

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
)

// Compression selects how serialized collections compress their values.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

// DefaultSegmentSize keeps every segment below the 64 KiB value limit that
// common versioned KV stores impose.
const DefaultSegmentSize = 60 * 1024

// marshal encodes with msgpack, falling back to json struct tags so that
// documents share field names with their JSON form.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// serializedHeader is stored at the document key of serialized collections;
// the payload lives in Segments segment keys.
type serializedHeader struct {
	Segments    int         `msgpack:"segments"`
	Size        int         `msgpack:"size"`
	Compression Compression `msgpack:"compression"`
}

// indexEntry is the value of a primary or secondary index key.
type indexEntry struct {
	ID    []byte `msgpack:"id"`
	Value []byte `msgpack:"value,omitempty"`
}

func encodeID(id keys.Part) ([]byte, error) {
	return keys.Encode(keys.Key{id})
}

func decodeID(b []byte) (keys.Part, error) {
	k, err := keys.Decode(b)
	if err != nil {
		return nil, err
	}
	if len(k) != 1 {
		return nil, fmt.Errorf("id has %d parts", len(k))
	}
	return k[0], nil
}

var zstdCodec = sync.OnceValues(func() (*zstdPair, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdPair{enc: enc, dec: dec}, nil
})

type zstdPair struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// compress returns the compressed payload and the compression actually
// applied, which is none when lz4 output would not be smaller.
func compress(data []byte, c Compression) ([]byte, Compression, error) {
	switch c {
	case CompressionNone, "":
		return data, CompressionNone, nil
	case CompressionLZ4:
		out := make([]byte, lz4.CompressBlockBound(len(data)))
		var hashTable [1 << 16]int
		n, err := lz4.CompressBlock(data, out, hashTable[:])
		if err != nil {
			return nil, "", fmt.Errorf("failed to compress data: %w", err)
		}
		if n == 0 || n >= len(data) {
			return data, CompressionNone, nil
		}
		return out[:n], CompressionLZ4, nil
	case CompressionZstd:
		codec, err := zstdCodec()
		if err != nil {
			return nil, "", err
		}
		return codec.enc.EncodeAll(data, nil), CompressionZstd, nil
	default:
		return nil, "", fmt.Errorf("unknown compression %q", c)
	}
}

func decompress(data []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case CompressionNone, "":
		return data, nil
	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress data: %w", err)
		}
		return out[:n], nil
	case CompressionZstd:
		codec, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		return codec.dec.DecodeAll(data, make([]byte, 0, size))
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
}

// split cuts data into chunks of at most size bytes; empty data yields one
// empty chunk so every serialized document has at least one segment.
func split(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
