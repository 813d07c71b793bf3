package logging

import (
	"bytes"
	"testing"
)

func TestFramedWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFramedWriter(&buf)

	payload := []byte{0x01, segmentStart, 0x02, segmentEnd, segmentPad, 0x03}
	n, err := fw.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Write returned %d, want %d", n, len(payload))
	}

	encoded := buf.Bytes()
	if encoded[0] != segmentStart || encoded[len(encoded)-1] != segmentEnd {
		t.Fatalf("expected frame delimiters, got % x", encoded)
	}

	inner := encoded[1 : len(encoded)-1]
	// escapeByte is itself a special byte, so it may appear, but only as
	// the first byte of an escape pair; no other special byte may appear.
	for i := 0; i < len(inner); i++ {
		b := inner[i]
		if b == escapeByte && i+1 < len(inner) {
			i++
			if isSpecial(inner[i]) {
				t.Fatalf("escaped byte 0x%02x is itself special: % x", inner[i], inner)
			}
			continue
		}
		if isSpecial(b) {
			t.Fatalf("special byte 0x%02x leaked into frame body: % x", b, inner)
		}
	}

	decoded := DecodeFrame(inner)
	if !bytes.Equal(decoded, payload) {
		t.Fatalf("DecodeFrame(encode(p)) = % x, want % x", decoded, payload)
	}
}

func TestFramedWriterNoSpecialBytes(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFramedWriter(&buf)
	payload := []byte("plain telemetry text")
	if _, err := fw.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	inner := buf.Bytes()[1 : buf.Len()-1]
	if !bytes.Equal(inner, payload) {
		t.Fatalf("expected unescaped passthrough, got % x", inner)
	}
}
