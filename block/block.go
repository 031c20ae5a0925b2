// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package block implements the fixed-size encrypted block: the unit
// every safe is built from. A block is an ElGamal ciphertext (c1, c2)
// under a public key it carries alongside it, tagged with a marker
// that lets the holder of a base key recognize which blocks it owns
// without revealing that claim to anyone else. Rerandomization turns
// a block into a statistically independent ciphertext of the same
// plaintext, which is the mechanism that makes two snapshots of a
// safe -- before and after any write -- indistinguishable.
package block

import (
	"crypto/subtle"
	"math/big"

	"github.com/bwesterb/pol/errors"
	"github.com/bwesterb/pol/group"
)

// KD-tag constants mixed into per-block key and marker derivation.
var (
	TagElGamal = []byte{0xd5, 0x3d, 0x37, 0x6a, 0x7d, 0xb4, 0x98, 0x95, 0x6d, 0x7d, 0x7f, 0x5e, 0x57, 0x05, 0x09, 0xd5}
	TagMarker  = []byte{0x78, 0x84, 0x00, 0x2a, 0xaa, 0x17, 0x5d, 0xf1, 0xb1, 0x37, 0x24, 0xaa, 0x2b, 0x58, 0x68, 0x2a}
)

// Deriver is the subset of keyderive's Derive that block needs. It is
// an interface purely so tests can substitute a trivial stand-in;
// production code always passes keyderive.Derive.
type Deriver func(inputs [][]byte, length int) []byte

// Block is a single fixed-size record in a safe's block array.
type Block struct {
	C1     *big.Int
	C2     *big.Int
	PubKey *big.Int
	Marker []byte // empty for a free/fresh block
}

// Params bundles the group and per-block sizing the block layer needs
// for every operation; it is shared read-only across all blocks in a
// safe.
type Params struct {
	Group         *group.Group
	BytesPerBlock int
	Derive        Deriver
}

// indexBytes encodes a block index the same way on every call; it
// feeds straight into key derivation, so any change here is a format
// break.
func indexBytes(index int) []byte {
	b := make([]byte, 4)
	b[0] = byte(index >> 24)
	b[1] = byte(index >> 16)
	b[2] = byte(index >> 8)
	b[3] = byte(index)
	return b
}

func (p *Params) privateKey(baseKey []byte, index int) *big.Int {
	raw := p.Derive([][]byte{baseKey, TagElGamal, indexBytes(index)}, p.BytesPerBlock)
	return new(big.Int).SetBytes(raw)
}

func (p *Params) marker(baseKey []byte, index int) []byte {
	return p.Derive([][]byte{baseKey, TagMarker, indexBytes(index)}, markerSize)
}

// markerSize is the length, in bytes, of a block marker. 16 bytes
// gives a 2^-128 false-positive rate for Find, comfortably below any
// rate an adversary could exploit, while keeping the per-block
// overhead small.
const markerSize = 16

// Random returns a block that looks exactly like a freshly
// rerandomized owned block but decrypts to nothing meaningful under
// any key: a uniformly random group element pair under a uniformly
// random public key, with no marker. It is used to fill a safe's
// initial free blocks and the "trash" decoy slice.
func Random(g *group.Group) (*Block, error) {
	const op = "block.Random"
	priv, err := g.RandomExponent()
	if err != nil {
		return nil, errors.E(op, err)
	}
	pub := g.Exp(g.G, priv)
	c1, err := g.RandomExponent()
	if err != nil {
		return nil, errors.E(op, err)
	}
	c2, err := g.RandomExponent()
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &Block{C1: c1, C2: c2, PubKey: pub, Marker: nil}, nil
}

// Decrypt recovers the BytesPerBlock-byte plaintext of blk under
// baseKey at the given index. It fails with errors.WrongKey if blk is
// not owned by (baseKey, index) -- including if blk is simply free --
// which callers must treat as a silent "not mine", never surfaced
// beyond the slice layer's Find loop, or a missing container becomes
// an observable side channel.
func (p *Params) Decrypt(blk *Block, baseKey []byte, index int) ([]byte, error) {
	const op = "block.Decrypt"
	marker := p.marker(baseKey, index)
	if !bytesEqual(blk.Marker, marker) {
		return nil, errors.E(op, errors.WrongKey)
	}
	priv := p.privateKey(baseKey, index)

	s := p.Group.Exp(blk.C1, priv) // c1^priv
	sInv, err := p.Group.Inv(s)
	if err != nil {
		return nil, errors.E(op, errors.SafeFormat, err)
	}
	plain := p.Group.Mul(blk.C2, sInv)

	out := p.Group.Encode(plain)
	// Encode is ElementSize-wide; the plaintext itself is only
	// BytesPerBlock wide and zero-padded at encryption time, so trim
	// the leading zero-padding down to size.
	if len(out) < p.BytesPerBlock {
		return nil, errors.E(op, errors.SafeFormat, errors.Str("decrypted element shorter than block size"))
	}
	return out[len(out)-p.BytesPerBlock:], nil
}

// Encrypt overwrites blk in place with a fresh ElGamal encryption of
// plaintext (zero-padded to BytesPerBlock) under (baseKey, index).
// If blk is not currently owned by (baseKey, index), Encrypt fails
// with errors.WrongKey unless annex is true, in which case it installs
// the public key and marker for (baseKey, index) -- the only path by
// which a block changes ownership.
func (p *Params) Encrypt(blk *Block, baseKey []byte, index int, plaintext []byte, annex bool) error {
	const op = "block.Encrypt"
	if len(plaintext) > p.BytesPerBlock {
		return errors.E(op, errors.Invalid, errors.Str("plaintext exceeds block size"))
	}
	marker := p.marker(baseKey, index)
	priv := p.privateKey(baseKey, index)
	pub := p.Group.Exp(p.Group.G, priv)

	if !bytesEqual(blk.Marker, marker) {
		if !annex {
			return errors.E(op, errors.WrongKey)
		}
		blk.Marker = marker
		blk.PubKey = pub
	}

	padded := make([]byte, p.BytesPerBlock)
	copy(padded, plaintext)
	m := new(big.Int).SetBytes(padded)

	r, err := p.Group.RandomExponent()
	if err != nil {
		return errors.E(op, err)
	}
	blk.C1 = p.Group.Exp(p.Group.G, r)
	blk.C2 = p.Group.Mul(m, p.Group.Exp(blk.PubKey, r))
	return nil
}

// Rerandomize replaces blk's ciphertext with a statistically
// independent encryption of the same plaintext under the same public
// key. The marker is untouched: rerandomization never changes
// ownership, only unlinkability. Called on every block on every write
// path, regardless of whether that block's owner made any change.
func (p *Params) Rerandomize(blk *Block) error {
	const op = "block.Rerandomize"
	s, err := p.Group.RandomExponent()
	if err != nil {
		return errors.E(op, err)
	}
	blk.C1 = p.Group.Mul(blk.C1, p.Group.Exp(p.Group.G, s))
	blk.C2 = p.Group.Mul(blk.C2, p.Group.Exp(blk.PubKey, s))
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
