// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/bwesterb/pol/crypto/keyderive"
	"github.com/bwesterb/pol/errors"
	"github.com/bwesterb/pol/group"
)

// testGroup returns a small but valid safe-prime group, fast enough
// for unit tests: p = 2*11 + 1 = 23, with g = 4 (order 11).
func testGroup(t *testing.T) *group.Group {
	t.Helper()
	p := big.NewInt(23)
	g := big.NewInt(4)
	return &group.Group{P: p, G: g}
}

func testParams(t *testing.T) *Params {
	t.Helper()
	g := testGroup(t)
	return &Params{
		Group:         g,
		BytesPerBlock: 1,
		Derive:        keyderive.Derive,
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p := testParams(t)
	blk := &Block{}
	key := []byte("base-key")

	if err := p.Encrypt(blk, key, 0, []byte{5}, true); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := p.Decrypt(blk, key, 0)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, []byte{5}) {
		t.Fatalf("got %x, want %x", got, []byte{5})
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	p := testParams(t)
	blk := &Block{}
	if err := p.Encrypt(blk, []byte("key-a"), 0, []byte{9}, true); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := p.Decrypt(blk, []byte("key-b"), 0); !isWrongKey(err) {
		t.Fatalf("expected WrongKey, got %v", err)
	}
}

func TestEncryptWithoutAnnexFailsOnFreeBlock(t *testing.T) {
	p := testParams(t)
	blk := &Block{}
	if err := p.Encrypt(blk, []byte("key-a"), 0, []byte{1}, false); !isWrongKey(err) {
		t.Fatalf("expected WrongKey annexing without annex=true, got %v", err)
	}
}

func TestRerandomizePreservesPlaintext(t *testing.T) {
	p := testParams(t)
	blk := &Block{}
	key := []byte("base-key")
	if err := p.Encrypt(blk, key, 3, []byte{7}, true); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	c1Before, c2Before := new(big.Int).Set(blk.C1), new(big.Int).Set(blk.C2)

	if err := p.Rerandomize(blk); err != nil {
		t.Fatalf("Rerandomize: %v", err)
	}

	got, err := p.Decrypt(blk, key, 3)
	if err != nil {
		t.Fatalf("Decrypt after rerandomize: %v", err)
	}
	if !bytes.Equal(got, []byte{7}) {
		t.Fatalf("got %x, want %x", got, []byte{7})
	}

	if blk.C1.Cmp(c1Before) == 0 && blk.C2.Cmp(c2Before) == 0 {
		t.Fatalf("rerandomize left ciphertext unchanged")
	}
}

func TestRerandomizeIsUnlinkable(t *testing.T) {
	p := testParams(t)
	key := []byte("base-key")

	blkA := &Block{}
	if err := p.Encrypt(blkA, key, 1, []byte{2}, true); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	blkB := &Block{C1: new(big.Int).Set(blkA.C1), C2: new(big.Int).Set(blkA.C2), PubKey: blkA.PubKey, Marker: blkA.Marker}

	if err := p.Rerandomize(blkA); err != nil {
		t.Fatalf("Rerandomize A: %v", err)
	}
	if err := p.Rerandomize(blkB); err != nil {
		t.Fatalf("Rerandomize B: %v", err)
	}

	if blkA.C1.Cmp(blkB.C1) == 0 && blkA.C2.Cmp(blkB.C2) == 0 {
		t.Fatalf("two independent rerandomizations of the same block produced equal ciphertexts")
	}
}

func isWrongKey(err error) bool {
	return errors.Is(errors.WrongKey, err)
}
