// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package group

import (
	"context"
	"math/big"
	"testing"
)

func TestPrecomputedIsSafePrime(t *testing.T) {
	g := Precomputed1024()
	if !g.P.ProbablyPrime(20) {
		t.Fatalf("precomputed p is not prime")
	}
	q := new(big.Int).Rsh(new(big.Int).Sub(g.P, one), 1)
	if !q.ProbablyPrime(20) {
		t.Fatalf("precomputed (p-1)/2 is not prime")
	}
}

func TestExpInvRoundTrip(t *testing.T) {
	g := Precomputed1024()
	x, err := g.RandomExponent()
	if err != nil {
		t.Fatalf("RandomExponent: %v", err)
	}
	y := g.Exp(g.G, x)
	yInv, err := g.Inv(y)
	if err != nil {
		t.Fatalf("Inv: %v", err)
	}
	if g.Mul(y, yInv).Cmp(one) != 0 {
		t.Fatalf("y * y^-1 != 1")
	}
}

func TestEncodeFixedWidth(t *testing.T) {
	g := Precomputed1024()
	if g.ElementSize() != 128 {
		t.Fatalf("element size %d, want 128", g.ElementSize())
	}
	small := g.Encode(big.NewInt(5))
	if len(small) != 128 {
		t.Fatalf("small element encoded to %d bytes", len(small))
	}
	if g.Decode(small).Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("encode/decode round trip failed")
	}
}

func TestFitsPlaintext(t *testing.T) {
	g := Precomputed1024()
	if !g.FitsPlaintext(112) {
		t.Fatalf("112-byte plaintext should fit a 1024-bit group")
	}
	if g.FitsPlaintext(128) {
		t.Fatalf("128-byte plaintext must not fit a 1024-bit group")
	}
}

func TestRandomExponentRange(t *testing.T) {
	g := Precomputed1024()
	for i := 0; i < 16; i++ {
		r, err := g.RandomExponent()
		if err != nil {
			t.Fatalf("RandomExponent: %v", err)
		}
		if r.Cmp(two) < 0 || r.Cmp(g.P) >= 0 {
			t.Fatalf("exponent %v out of [2, p)", r)
		}
	}
}

func TestGenerateSafe(t *testing.T) {
	if testing.Short() {
		t.Skip("safe-prime search is slow")
	}
	g, err := GenerateSafe(context.Background(), 256, 4)
	if err != nil {
		t.Fatalf("GenerateSafe: %v", err)
	}
	if g.P.BitLen() != 256 {
		t.Fatalf("got %d-bit prime, want 256", g.P.BitLen())
	}
	if !g.P.ProbablyPrime(20) {
		t.Fatalf("p is not prime")
	}
	q := new(big.Int).Rsh(new(big.Int).Sub(g.P, one), 1)
	if !q.ProbablyPrime(20) {
		t.Fatalf("(p-1)/2 is not prime")
	}
	// g generates the order-q subgroup: g^q == 1 and g != 1.
	if g.G.Cmp(one) == 0 {
		t.Fatalf("generator is 1")
	}
	if g.Exp(g.G, q).Cmp(one) != 0 {
		t.Fatalf("generator does not have order q")
	}
}
