// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package keystretch implements the KeyStretching capability: turning
// a user password into a fixed-length secret at a deliberately high
// CPU/memory cost, so that an attacker who steals the safe file still
// has to pay that cost per guess. Two variants are required by the
// storage format: a modern memory-hard password hash (Argon2id) and a
// scrypt-style fallback for compatibility with older safes.
package keystretch

import (
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"

	"github.com/bwesterb/pol/errors"
)

// Type names recorded in a safe's configuration blob.
const (
	TypeArgon2id = "argon2id"
	TypeScrypt   = "scrypt"
)

const defaultMemoryKiB = 100 * 1024 // 100 MiB.

// Params is the parameter dictionary for a KeyStretching variant. Only
// the fields relevant to Type are meaningful; Validate checks that
// the combination makes sense before it is ever used to stretch a
// real password.
type Params struct {
	Type string

	Salt []byte

	// Argon2id parameters.
	Time    uint32
	MemKiB  uint32
	Threads uint8

	// Scrypt parameters.
	LogN uint8
}

// Validate checks that Params describes a self-consistent variant.
// It deliberately does not enforce a cost floor: the floor lives in
// the defaults, and a safe created elsewhere with cheaper parameters
// must still open.
func (p *Params) Validate() error {
	const op = "keystretch.Validate"
	if len(p.Salt) < 16 {
		return errors.E(op, errors.Invalid, errors.Str("salt too short"))
	}
	switch p.Type {
	case TypeArgon2id:
		if p.Time == 0 {
			return errors.E(op, errors.Invalid, errors.Str("argon2id time cost must be positive"))
		}
		if p.Threads == 0 {
			return errors.E(op, errors.Invalid, errors.Str("argon2id parallelism must be positive"))
		}
		if p.MemKiB < 8*uint32(p.Threads) {
			return errors.E(op, errors.Invalid, errors.Str("argon2id memory cost too small for parallelism"))
		}
	case TypeScrypt:
		if p.LogN == 0 || p.LogN > 63 {
			return errors.E(op, errors.Invalid, errors.Str("scrypt cost parameter out of range"))
		}
	default:
		return errors.E(op, errors.Invalid, errors.Str("unknown key-stretching type"))
	}
	return nil
}

// Stretch deterministically derives a 32-byte secret from password
// using the configured variant. It is expensive by design.
func (p *Params) Stretch(password []byte) ([]byte, error) {
	const op = "keystretch.Stretch"
	if err := p.Validate(); err != nil {
		return nil, errors.E(op, err)
	}
	switch p.Type {
	case TypeArgon2id:
		return argon2.IDKey(password, p.Salt, p.Time, p.MemKiB, p.Threads, 32), nil
	case TypeScrypt:
		out, err := scrypt.Key(password, p.Salt, 1<<p.LogN, 8, 1, 32)
		if err != nil {
			return nil, errors.E(op, err)
		}
		return out, nil
	}
	return nil, errors.E(op, errors.Invalid, errors.Str("unknown key-stretching type"))
}

// DefaultArgon2id returns the format's default Argon2id parameters
// with a fresh random salt supplied by the caller.
func DefaultArgon2id(salt []byte) *Params {
	return &Params{
		Type:    TypeArgon2id,
		Salt:    salt,
		Time:    3,
		MemKiB:  defaultMemoryKiB,
		Threads: 4,
	}
}

// DefaultScrypt returns the format's fallback scrypt parameters with a
// fresh random salt supplied by the caller.
func DefaultScrypt(salt []byte) *Params {
	return &Params{
		Type: TypeScrypt,
		Salt: salt,
		LogN: 17,
	}
}
