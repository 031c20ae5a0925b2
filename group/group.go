// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package group implements the ElGamal group arithmetic the block
// layer is built on: a safe prime p, a generator g of a large-order
// subgroup of (Z/pZ)*, modular exponentiation, modular inverse, and a
// fixed-length big-endian serialization of group elements so that
// every block on disk has exactly the same shape whether or not it is
// owned.
package group

import (
	"crypto/rand"
	"math/big"

	"github.com/bwesterb/pol/errors"
	"github.com/bwesterb/pol/internal/bigint"
)

var (
	one = big.NewInt(1)
	two = big.NewInt(2)
)

// Group holds the public ElGamal parameters shared by every block in
// a safe.
type Group struct {
	P *big.Int // a safe prime: P = 2Q + 1 with Q prime.
	G *big.Int // a generator of the order-Q subgroup of (Z/PZ)*.
}

// ElementSize is the width, in bytes, of the big-endian encoding of
// any element of the group (and of the ciphertext halves and public
// keys derived from it). It is fixed for the lifetime of a safe.
func (g *Group) ElementSize() int {
	return (g.P.BitLen() + 7) / 8
}

// Encode serializes a group element to ElementSize bytes, left-padded
// with zeroes. Every block field on disk uses this encoding, so that
// free and owned blocks, and blocks before and after rerandomization,
// remain bit-for-bit indistinguishable in shape.
func (g *Group) Encode(v *big.Int) []byte {
	return bigint.EncodeFixed(v, g.ElementSize())
}

// Decode is the inverse of Encode.
func (g *Group) Decode(b []byte) *big.Int {
	return bigint.Decode(b)
}

// Exp computes base^exp mod P.
func (g *Group) Exp(base, exp *big.Int) *big.Int {
	return new(big.Int).Exp(base, exp, g.P)
}

// Mul computes (a*b) mod P.
func (g *Group) Mul(a, b *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Mod(r, g.P)
}

// Inv computes the modular inverse of a mod P. P is prime so a is
// always invertible unless it is congruent to 0, which never happens
// for a validly generated ciphertext.
func (g *Group) Inv(a *big.Int) (*big.Int, error) {
	inv := new(big.Int).ModInverse(a, g.P)
	if inv == nil {
		return nil, errors.E("group.Inv", errors.SafeFormat, errors.Str("element has no inverse"))
	}
	return inv, nil
}

// RandomExponent samples a uniform integer in [2, P), suitable as an
// ElGamal per-ciphertext or per-rerandomization exponent.
func (g *Group) RandomExponent() (*big.Int, error) {
	const op = "group.RandomExponent"
	upper := new(big.Int).Sub(g.P, two)
	if upper.Sign() <= 0 {
		return nil, errors.E(op, errors.Invalid, errors.Str("prime too small"))
	}
	r, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return r.Add(r, two), nil
}

// FitsPlaintext reports whether a plaintext of the given byte width
// can be embedded as a group element strictly less than P, per the
// invariant 2^(bytesPerBlock*8) < P.
func (g *Group) FitsPlaintext(bytesPerBlock int) bool {
	bound := new(big.Int).Lsh(one, uint(bytesPerBlock)*8)
	return bound.Cmp(g.P) < 0
}
