// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package keystretch

import (
	"bytes"
	"testing"
)

var testSalt = []byte("0123456789abcdef")

// cheapArgon2id keeps test runs fast; real safes use DefaultArgon2id.
func cheapArgon2id() *Params {
	return &Params{Type: TypeArgon2id, Salt: testSalt, Time: 1, MemKiB: 64, Threads: 1}
}

func TestStretchDeterministic(t *testing.T) {
	p := cheapArgon2id()
	a, err := p.Stretch([]byte("hunter2"))
	if err != nil {
		t.Fatalf("Stretch: %v", err)
	}
	b, err := p.Stretch([]byte("hunter2"))
	if err != nil {
		t.Fatalf("Stretch: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("same password stretched to different keys")
	}
	c, err := p.Stretch([]byte("hunter3"))
	if err != nil {
		t.Fatalf("Stretch: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatalf("different passwords stretched to the same key")
	}
}

func TestScryptStretch(t *testing.T) {
	p := &Params{Type: TypeScrypt, Salt: testSalt, LogN: 4}
	a, err := p.Stretch([]byte("hunter2"))
	if err != nil {
		t.Fatalf("Stretch: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("got %d bytes, want 32", len(a))
	}
}

func TestVariantsDiffer(t *testing.T) {
	argon := cheapArgon2id()
	scrypt := &Params{Type: TypeScrypt, Salt: testSalt, LogN: 4}
	a, err := argon.Stretch([]byte("pw"))
	if err != nil {
		t.Fatalf("argon2id: %v", err)
	}
	b, err := scrypt.Stretch([]byte("pw"))
	if err != nil {
		t.Fatalf("scrypt: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("distinct variants produced the same key")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Params
		ok   bool
	}{
		{"default argon2id", *DefaultArgon2id(testSalt), true},
		{"default scrypt", *DefaultScrypt(testSalt), true},
		{"short salt", Params{Type: TypeArgon2id, Salt: []byte("short"), Time: 1, MemKiB: 64, Threads: 1}, false},
		{"zero time", Params{Type: TypeArgon2id, Salt: testSalt, Time: 0, MemKiB: 64, Threads: 1}, false},
		{"zero threads", Params{Type: TypeArgon2id, Salt: testSalt, Time: 1, MemKiB: 64, Threads: 0}, false},
		{"unknown type", Params{Type: "md5", Salt: testSalt}, false},
		{"scrypt zero cost", Params{Type: TypeScrypt, Salt: testSalt, LogN: 0}, false},
	}
	for _, c := range cases {
		err := c.p.Validate()
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}
