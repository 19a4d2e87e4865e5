package wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	for _, f := range []Frame{
		{OpConnect, "svc", int64(1), "tok", map[string]any{}},
		{OpRequest, Frame{"node", "svc", int64(2)}, "method", []any{int64(1), "two"}, map[string]any{"k": "v"}, "rid-1"},
		{OpResponse, nil, nil, nil},
	} {
		var buf bytes.Buffer
		if err := Encode(&buf, f); err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(got) != len(f) {
			t.Fatalf("length mismatch: got %d, want %d", len(got), len(f))
		}
	}
}

func TestDecodeShortFrame(t *testing.T) {
	if _, err := Decode(bytes.NewReader([]byte{0, 0})); err == nil {
		t.Fatal("expected an error decoding a truncated length prefix")
	}
}

func TestDecodeOversizeFrame(t *testing.T) {
	var lenbuf [4]byte
	lenbuf[0] = 0xff // n far exceeds MaxFrameLength
	if _, err := Decode(bytes.NewReader(lenbuf[:])); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
