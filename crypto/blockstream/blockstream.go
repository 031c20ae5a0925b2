// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blockstream implements the BlockCipher capability: a keyed,
// counter-mode keystream that can be entered at any block-aligned
// offset and produces exactly the bytes that skipping ahead from
// offset zero would have produced. The slice layer depends on this to
// decrypt the blocks after a slice's header independently and in
// parallel, since each needs only its own stream offset, not the
// bytes that came before it.
package blockstream

import (
	"crypto/aes"
	"crypto/cipher"
	"math/big"

	"github.com/bwesterb/pol/errors"
)

// KeySize is the key length, in bytes, for the format's default
// 256-bit counter-mode cipher.
const KeySize = 32

// IVSize is the per-stream initialization vector length.
const IVSize = aes.BlockSize // 16

// Stream is a seekable AES-256-CTR keystream over a fixed (key, iv)
// pair.
type Stream struct {
	block cipher.Block
	iv    []byte
}

// New creates a Stream for the given key and IV. The stream itself
// carries no notion of position; call At to obtain a cipher.Stream
// positioned at a particular block-aligned byte offset.
func New(key, iv []byte) (*Stream, error) {
	const op = "blockstream.New"
	if len(key) != KeySize {
		return nil, errors.E(op, errors.Invalid, errors.Str("wrong key length for AES-256"))
	}
	if len(iv) != IVSize {
		return nil, errors.E(op, errors.Invalid, errors.Str("wrong IV length"))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &Stream{block: block, iv: iv}, nil
}

// At returns a cipher.Stream whose keystream starts at byte offset
// off of the logical stream, which must be a multiple of the AES
// block size. Constructing At(16*k) and discarding the output of
// At(0) up to byte 16*k yields identical keystreams: both amount to
// the base IV, as a big-endian counter, advanced by k.
func (s *Stream) At(off int64) (cipher.Stream, error) {
	const op = "blockstream.At"
	if off%aes.BlockSize != 0 {
		return nil, errors.E(op, errors.Invalid, errors.Str("offset must be block-aligned"))
	}
	counter := new(big.Int).SetBytes(s.iv)
	counter.Add(counter, big.NewInt(off/aes.BlockSize))

	mod := new(big.Int).Lsh(big.NewInt(1), aes.BlockSize*8)
	counter.Mod(counter, mod)

	ivAdj := make([]byte, aes.BlockSize)
	cb := counter.Bytes()
	copy(ivAdj[aes.BlockSize-len(cb):], cb)

	return cipher.NewCTR(s.block, ivAdj), nil
}

// Encrypt and Decrypt are the same XOR operation under CTR mode;
// EncryptAt/DecryptAt exist as named pairs only for readability at
// call sites.

// EncryptAt XORs plaintext with the keystream starting at the given
// block-aligned offset and returns the result.
func (s *Stream) EncryptAt(off int64, plaintext []byte) ([]byte, error) {
	ctr, err := s.At(off)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(plaintext))
	ctr.XORKeyStream(out, plaintext)
	return out, nil
}

// DecryptAt is EncryptAt under another name: CTR mode is an
// involution.
func (s *Stream) DecryptAt(off int64, ciphertext []byte) ([]byte, error) {
	return s.EncryptAt(off, ciphertext)
}
