package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeValueRoundTrip(t *testing.T) {
	for _, v := range []any{
		"short string",
		map[string]any{"a": float64(1), "b": "two"},
		float64(42),
		nil,
	} {
		raw, err := encodeValue(v)
		require.NoError(t, err)

		got, err := decodeValue(raw)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestEncodeValueCompressesLargeValues(t *testing.T) {
	big := strings.Repeat("x", compressThreshold*4)
	raw, err := encodeValue(big)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, string(zstdMagic)), "expected a large value to be compressed")

	got, err := decodeValue(raw)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestEncodeValueLeavesSmallValuesUncompressed(t *testing.T) {
	raw, err := encodeValue("tiny")
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(raw, string(zstdMagic)))
}
