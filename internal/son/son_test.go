// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package son

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	in := []interface{}{[]byte("key"), []byte("note"), int64(42)}
	b, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out []interface{}
	if err := Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d elements, want 3", len(out))
	}
	if k, ok := out[0].([]byte); !ok || !bytes.Equal(k, []byte("key")) {
		t.Fatalf("element 0 round-tripped as %T %v", out[0], out[0])
	}
}

func TestCompressionChosenWhenShorter(t *testing.T) {
	// Highly redundant payload: deflate wins.
	big := bytes.Repeat([]byte("abcdabcd"), 512)
	b, err := Marshal([]interface{}{big})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if Format(b[0]) != FormatDeflate {
		t.Fatalf("expected deflate framing for redundant payload, got %#x", b[0])
	}
	if len(b) >= len(big) {
		t.Fatalf("compressed encoding is not shorter: %d >= %d", len(b), len(big))
	}
	var out []interface{}
	if err := Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got, ok := out[0].([]byte); !ok || !bytes.Equal(got, big) {
		t.Fatalf("deflated payload did not round-trip")
	}
}

func TestRawChosenWhenIncompressible(t *testing.T) {
	// A tiny payload never shrinks under deflate.
	b, err := Marshal([]interface{}{[]byte{0x01}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if Format(b[0]) != FormatRaw {
		t.Fatalf("expected raw framing, got %#x", b[0])
	}
}

func TestMarshalUncompressedAlwaysRaw(t *testing.T) {
	big := bytes.Repeat([]byte("abcdabcd"), 512)
	b, err := MarshalUncompressed([]interface{}{big})
	if err != nil {
		t.Fatalf("MarshalUncompressed: %v", err)
	}
	if Format(b[0]) != FormatRaw {
		t.Fatalf("expected raw framing, got %#x", b[0])
	}
}

func TestUnmarshalRejectsBadFraming(t *testing.T) {
	var out interface{}
	if err := Unmarshal(nil, &out); err == nil {
		t.Fatalf("expected error for empty payload")
	}
	if err := Unmarshal([]byte{0x7f, 0x01}, &out); err == nil {
		t.Fatalf("expected error for unknown format byte")
	}
}
