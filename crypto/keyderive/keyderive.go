// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package keyderive implements the KeyDerivation capability: a fast,
// deterministic mix of an ordered sequence of byte strings into a
// fixed- or arbitrary-length secret. It underlies every derived key
// in the format -- per-block private keys and markers, the list and
// append keys of a container, and the composition of a password with
// additional keyfiles.
package keyderive

import (
	"crypto/sha256"
	"encoding/binary"
)

// Native is the output size, in bytes, of a single invocation of the
// underlying hash (SHA-256).
const Native = sha256.Size

// extendSalt distinguishes the counter-based expansion of a KD output
// beyond one native hash size from a legitimate KD call whose inputs
// happen to look similar; it has no secrecy requirement of its own.
var extendSalt = []byte("pol-kd-extend-v1")

// Derive mixes inputs, in order, into a `length`-byte secret.
// Permuting inputs or splitting/joining them at different boundaries
// always yields a different output, because each input is written
// with an explicit length prefix rather than simply concatenated.
//
// When length exceeds Native, Derive makes ceil(length/Native)
// invocations of the hash, each over the same length-prefixed inputs
// plus a big-endian two-byte block counter and extendSalt, and
// concatenates and truncates the results.
func Derive(inputs [][]byte, length int) []byte {
	nBlocks := (length + Native - 1) / Native
	if nBlocks < 1 {
		nBlocks = 1
	}
	out := make([]byte, 0, nBlocks*Native)
	for i := 0; i < nBlocks; i++ {
		h := sha256.New()
		for _, in := range inputs {
			var lenBuf [8]byte
			binary.BigEndian.PutUint64(lenBuf[:], uint64(len(in)))
			h.Write(lenBuf[:])
			h.Write(in)
		}
		var ctr [2]byte
		binary.BigEndian.PutUint16(ctr[:], uint16(i))
		h.Write(ctr[:])
		h.Write(extendSalt)
		out = append(out, h.Sum(nil)...)
	}
	return out[:length]
}

// Derive32 is a convenience wrapper for the common case of a 32-byte
// (Native-sized) output.
func Derive32(inputs ...[]byte) []byte {
	return Derive(inputs, Native)
}
