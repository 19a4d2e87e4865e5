package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// compressThreshold is the JSON-encoded size above which a str/hash value is
// zstd-compressed before being written to the KV store, mirroring
// pkg/memstore's gzip-on-write for large pdata blobs but using zstd since
// that's the compression library actually in the dependency graph.
const compressThreshold = 1024

// zstdMagic prefixes a compressed value so decodeValue can tell it apart
// from a plain JSON blob without a type bit stored alongside it.
var zstdMagic = []byte("\x00zstd\x00")

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// encodeValue JSON-encodes v, compressing the result if it's large enough
// to be worth it.
func encodeValue(v any) (string, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if len(buf) <= compressThreshold {
		return string(buf), nil
	}
	compressed := zstdEncoder.EncodeAll(buf, nil)
	return string(zstdMagic) + string(compressed), nil
}

// decodeValue reverses encodeValue, transparently decompressing if needed.
func decodeValue(raw string) (any, error) {
	buf := []byte(raw)
	if bytes.HasPrefix(buf, zstdMagic) {
		decompressed, err := zstdDecoder.DecodeAll(buf[len(zstdMagic):], nil)
		if err != nil {
			return nil, fmt.Errorf("registry: decompress value: %w", err)
		}
		buf = decompressed
	}
	var v any
	if err := json.Unmarshal(buf, &v); err != nil {
		return nil, fmt.Errorf("registry: decode value: %w", err)
	}
	return v, nil
}
