// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bigint defines the canonical integer encoding used on disk and
// in the wire formats of the block, slice and group layers: big-endian,
// no leading zero bytes, and the integer zero encodes as the empty
// string. We do not rely on math/big's own Gob or JSON marshaling
// because that format is not declared stable across Go releases and
// because Append/SetBytes already gives us exactly what we need.
package bigint

import "math/big"

// Encode returns the canonical big-endian encoding of n. n must be
// non-negative. The encoding has no leading zero byte, and zero encodes
// as an empty slice.
func Encode(n *big.Int) []byte {
	if n == nil || n.Sign() == 0 {
		return nil
	}
	return n.Bytes()
}

// Decode is the inverse of Encode.
func Decode(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

// EncodeFixed is like Encode but left-pads the result with zero bytes to
// exactly width bytes. It is used for values, such as block ciphertext
// halves, that must always serialize to the same length so that free
// and owned blocks are indistinguishable.
func EncodeFixed(n *big.Int, width int) []byte {
	b := Encode(n)
	if len(b) > width {
		panic("bigint: value does not fit in width")
	}
	out := make([]byte, width)
	copy(out[width-len(b):], b)
	return out
}
