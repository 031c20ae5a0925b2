// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package safe

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bwesterb/pol/crypto/keystretch"
	"github.com/bwesterb/pol/errors"
)

// testParams returns safe parameters cheap enough for unit tests: the
// precomputed group instead of a fresh prime search, and a deliberately
// weak key-stretching configuration.
func testParams(nBlocks int) Params {
	return Params{
		NBlocks:     nBlocks,
		Precomputed: true,
		KeyStretching: &keystretch.Params{
			Type:    keystretch.TypeArgon2id,
			Salt:    []byte("0123456789abcdef"),
			Time:    1,
			MemKiB:  64,
			Threads: 1,
		},
		Workers: 2,
	}
}

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.pol")
}

func createSafe(t *testing.T, path string, nBlocks int) *Safe {
	t.Helper()
	s, err := Create(context.Background(), path, testParams(nBlocks))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func TestCreateCloseOpen(t *testing.T) {
	path := testPath(t)
	s := createSafe(t, path, 20)
	if s.NBlocks() != 20 {
		t.Fatalf("NBlocks = %d, want 20", s.NBlocks())
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path, true, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s2.Close(context.Background())
	if s2.NBlocks() != 20 {
		t.Fatalf("reopened NBlocks = %d, want 20", s2.NBlocks())
	}
	if s2.cfg.bytesPerBlock%16 != 0 {
		t.Fatalf("bytes-per-block %d not cipher-block aligned", s2.cfg.bytesPerBlock)
	}
	if !s2.cfg.group.FitsPlaintext(s2.cfg.bytesPerBlock) {
		t.Fatalf("plaintext does not fit group")
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(testPath(t), false, 2)
	if !errors.Is(errors.SafeNotFound, err) {
		t.Fatalf("expected SafeNotFound, got %v", err)
	}
}

func TestOpenWrongMagic(t *testing.T) {
	path := testPath(t)
	if err := os.WriteFile(path, []byte("not a safe at all, sorry"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path, false, 2)
	if !errors.Is(errors.WrongMagic, err) {
		t.Fatalf("expected WrongMagic, got %v", err)
	}
}

func TestCreateExistingFails(t *testing.T) {
	path := testPath(t)
	s := createSafe(t, path, 10)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := Create(context.Background(), path, testParams(10))
	if !errors.Is(errors.SafeAlreadyExists, err) {
		t.Fatalf("expected SafeAlreadyExists, got %v", err)
	}
}

func TestConcurrentOpenFailsLocked(t *testing.T) {
	path := testPath(t)
	s := createSafe(t, path, 10)
	defer s.Close(context.Background())

	_, err := Open(path, false, 2)
	if !errors.Is(errors.SafeLocked, err) {
		t.Fatalf("expected SafeLocked, got %v", err)
	}
}

func TestReadonlyCloseLeavesFileUntouched(t *testing.T) {
	path := testPath(t)
	s := createSafe(t, path, 10)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path, true, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s2.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatalf("readonly session modified the file")
	}
}

// A read-write session with no container operations must still change
// every block on disk: the rerandomization pass is unconditional.
func TestCloseRerandomizesEveryBlock(t *testing.T) {
	path := testPath(t)
	s := createSafe(t, path, 10)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f1, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	_, blocksBefore, err := readFile(f1)
	f1.Close()
	if err != nil {
		t.Fatalf("readFile: %v", err)
	}

	s2, err := Open(path, false, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s2.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f2, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	_, blocksAfter, err := readFile(f2)
	f2.Close()
	if err != nil {
		t.Fatalf("readFile: %v", err)
	}

	for i := range blocksBefore {
		if blocksBefore[i].C1.Cmp(blocksAfter[i].C1) == 0 && blocksBefore[i].C2.Cmp(blocksAfter[i].C2) == 0 {
			t.Fatalf("block %d unchanged across a read-write session", i)
		}
		if blocksBefore[i].PubKey.Cmp(blocksAfter[i].PubKey) != 0 {
			t.Fatalf("block %d public key changed by rerandomization", i)
		}
	}
}

func TestTrashFreespace(t *testing.T) {
	path := testPath(t)
	s := createSafe(t, path, 30)
	if _, err := s.NewContainer([]byte("m"), nil, nil, nil, 10); err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	if err := s.TrashFreespace(); err != nil {
		t.Fatalf("TrashFreespace: %v", err)
	}
	if len(s.free) != 0 {
		t.Fatalf("free set not empty after trash: %d left", len(s.free))
	}
	if s.NBlocks() != 30 {
		t.Fatalf("block count changed by trash")
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A key owning nothing finds nothing, trash included.
	s2, err := Open(path, true, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s2.Close(context.Background())
	cs, err := s2.OpenContainers(context.Background(), []byte("never-used-password"), nil, nil)
	if err != nil {
		t.Fatalf("OpenContainers: %v", err)
	}
	if len(cs) != 0 {
		t.Fatalf("foreign password opened %d containers after trash", len(cs))
	}

	// The real container still opens.
	cs, err = s2.OpenContainers(context.Background(), []byte("m"), nil, nil)
	if err != nil {
		t.Fatalf("OpenContainers: %v", err)
	}
	if len(cs) != 1 {
		t.Fatalf("master password opened %d containers, want 1", len(cs))
	}
}

func TestCompositeKeyOrderIrrelevant(t *testing.T) {
	a := compositeKey([]byte("pw"), [][]byte{[]byte("a"), []byte("b")})
	b := compositeKey([]byte("pw"), [][]byte{[]byte("b"), []byte("a")})
	if string(a) != string(b) {
		t.Fatalf("additional key order changed the composite key")
	}
	plain := compositeKey([]byte("pw"), nil)
	if string(plain) != "pw" {
		t.Fatalf("no additional keys should leave the password untouched")
	}
	if string(a) == "pw" {
		t.Fatalf("additional keys did not mix into the composite")
	}
}
