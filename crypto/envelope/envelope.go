// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package envelope implements the Envelope capability: public-key
// sealing of a message such that only the holder of the matching
// private key can open it. This is what lets an append-only holder
// add entries to a container without being able to read its existing
// secrets: entries are sealed under the container's envelope public
// key, and only a full-access open can unwrap them.
//
// The construction is ECIES over NIST P-256: an ephemeral ECDH
// exchange derives a per-message symmetric key via HKDF, which then
// seals the message with AES-256-GCM.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"

	"github.com/bwesterb/pol/errors"
)

const aesKeyLen = 32

var curve = elliptic.P256

// PublicKey is the serialized (uncompressed point) form of an
// envelope public key.
type PublicKey []byte

// PrivateKey is an envelope private key.
type PrivateKey struct {
	key *ecdsa.PrivateKey
}

// GenerateKeyPair creates a fresh envelope key pair. Every container
// gets its own, generated once at new_container time and stored only
// inside the main slice (reachable exclusively with full_key).
func GenerateKeyPair() (PublicKey, *PrivateKey, error) {
	const op = "envelope.GenerateKeyPair"
	key, err := ecdsa.GenerateKey(curve(), rand.Reader)
	if err != nil {
		return nil, nil, errors.E(op, errors.IO, err)
	}
	pub := elliptic.Marshal(curve(), key.X, key.Y)
	return PublicKey(pub), &PrivateKey{key: key}, nil
}

// Bytes serializes priv for storage inside the secrets blob, which is
// itself only ever reachable with full_key.
func (p *PrivateKey) Bytes() []byte {
	return p.key.D.Bytes()
}

// PrivateKeyFromBytes reconstructs a private key serialized by Bytes.
func PrivateKeyFromBytes(b []byte) *PrivateKey {
	c := curve()
	key := new(ecdsa.PrivateKey)
	key.PublicKey.Curve = c
	key.D = new(big.Int).SetBytes(b)
	key.PublicKey.X, key.PublicKey.Y = c.ScalarBaseMult(b)
	return &PrivateKey{key: key}
}

// Seal encrypts msg so that only the holder of the private key
// matching pub can open it.
func Seal(msg []byte, pub PublicKey) ([]byte, error) {
	const op = "envelope.Seal"
	c := curve()
	x, y := elliptic.Unmarshal(c, pub)
	if x == nil {
		return nil, errors.E(op, errors.Invalid, errors.Str("malformed envelope public key"))
	}
	if !c.IsOnCurve(x, y) {
		return nil, errors.E(op, errors.Invalid, errors.Str("envelope public key not on curve"))
	}

	ephemeral, err := ecdsa.GenerateKey(c, rand.Reader)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	sx, _ := c.ScalarMult(x, y, ephemeral.D.Bytes())
	shared := sx.Bytes()

	aead, err := aeadFromShared(shared)
	if err != nil {
		return nil, errors.E(op, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}

	ephPub := elliptic.Marshal(c, ephemeral.X, ephemeral.Y)
	ct := aead.Seal(nil, nonce, msg, nil)

	// Wire layout: len(ephPub) ephPub || nonce || ciphertext.
	out := make([]byte, 0, 1+len(ephPub)+len(nonce)+len(ct))
	out = append(out, byte(len(ephPub)))
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// Open decrypts a message sealed with Seal against the matching
// public key.
func Open(ct []byte, priv *PrivateKey) ([]byte, error) {
	const op = "envelope.Open"
	if len(ct) < 1 {
		return nil, errors.E(op, errors.SafeFormat, errors.Str("sealed message too short"))
	}
	n := int(ct[0])
	ct = ct[1:]
	if len(ct) < n {
		return nil, errors.E(op, errors.SafeFormat, errors.Str("truncated ephemeral key"))
	}
	ephPub := ct[:n]
	ct = ct[n:]

	c := curve()
	ex, ey := elliptic.Unmarshal(c, ephPub)
	if ex == nil {
		return nil, errors.E(op, errors.SafeFormat, errors.Str("malformed ephemeral key"))
	}

	sx, _ := c.ScalarMult(ex, ey, priv.key.D.Bytes())
	shared := sx.Bytes()

	aead, err := aeadFromShared(shared)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if len(ct) < aead.NonceSize() {
		return nil, errors.E(op, errors.SafeFormat, errors.Str("truncated nonce"))
	}
	nonce := ct[:aead.NonceSize()]
	body := ct[aead.NonceSize():]

	pt, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, errors.E(op, errors.WrongKey, err)
	}
	return pt, nil
}

func aeadFromShared(shared []byte) (cipher.AEAD, error) {
	key := make([]byte, aesKeyLen)
	kdf := hkdf.New(sha256.New, shared, nil, []byte("pol-envelope-v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
