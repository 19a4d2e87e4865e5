package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftengine/kernel/pkg/kerrors"
)

func TestEncodeDecodeHandlerRoundTrip(t *testing.T) {
	for _, h := range []Handler{
		{Kind: HandlerNone},
		{Kind: HandlerAllow},
		{Kind: HandlerDeny},
		{Kind: HandlerRPC, Service: "auth", Method: "check"},
	} {
		got, err := decodeHandler(encodeHandler(h))
		require.NoError(t, err)
		assert.Equal(t, h, got)
	}
}

func TestDecodeHandlerEmptyIsNone(t *testing.T) {
	h, err := decodeHandler("")
	require.NoError(t, err)
	assert.Equal(t, Handler{Kind: HandlerNone}, h)
}

func TestDecodeHandlerCorruptTupleIsConsistencyError(t *testing.T) {
	_, err := decodeHandler(`["only-one"]`)
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.KindConsistency))
}

func TestEvaluateHandlerAllowDeny(t *testing.T) {
	assert.NoError(t, evaluate(context.Background(), Handler{Kind: HandlerAllow}, "", nil, OpGet, "k", nil))

	err := evaluate(context.Background(), Handler{Kind: HandlerDeny}, "", nil, OpGet, "k", nil)
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.KindAccess))
}

func TestEvaluateHandlerNoneWithoutLuaAllows(t *testing.T) {
	assert.NoError(t, evaluate(context.Background(), Handler{Kind: HandlerNone}, "", nil, OpGet, "k", nil))
}
