// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package safe implements the facade (C5) and container model (C4) of
// a deniable password safe: single-file load/store with exclusive
// file locking, a container factory gated by stretched passwords, and
// the rerandomize-on-close pass that is the format's deniability
// hinge. It is built directly on the block (C2) and slice (C3)
// layers.
package safe

import (
	"bytes"
	"context"
	cryptorand "crypto/rand"
	"math/big"
	"os"
	"sort"

	"github.com/gofrs/flock"

	"github.com/bwesterb/pol/block"
	"github.com/bwesterb/pol/crypto/keyderive"
	"github.com/bwesterb/pol/crypto/keystretch"
	"github.com/bwesterb/pol/errors"
	"github.com/bwesterb/pol/group"
	"github.com/bwesterb/pol/slice"
	"github.com/bwesterb/pol/worker"
)

// keyDerive adapts keyderive.Derive to the block.Deriver signature
// used throughout this package.
func keyDerive(inputs [][]byte, length int) []byte {
	return keyderive.Derive(inputs, length)
}

// Default format parameters.
const (
	defaultNBlocks        = 1024
	defaultBlockIndexSize = 2
	defaultSliceSizeField = 4
	defaultGroupBits      = 1025
	appendSliceBlocks     = 5
	rerandomizeChunk      = 16
)

// Safe is a single open safe file. It owns the block array and the
// in-memory free set; containers loaded from it are cached by
// identity so that two opens of the same container (at different
// access levels) share one instance for the lifetime of the Safe.
type Safe struct {
	cfg      *config
	blocks   []*block.Block
	free     map[int]bool
	touched  bool
	workers  int
	readonly bool

	path  string
	file  *os.File
	flock *flock.Flock

	containers map[int]*Container // keyed by identity index, see Container.ID
	autosave   []*Container
}

// resolve fills in every zero-valued Params field with its default.
func (p *Params) resolve() Params {
	out := *p
	if out.NBlocks == 0 {
		out.NBlocks = defaultNBlocks
	}
	if out.BlockIndexSize == 0 {
		out.BlockIndexSize = defaultBlockIndexSize
	}
	if out.SliceSizeField == 0 {
		out.SliceSizeField = defaultSliceSizeField
	}
	if out.GroupBits == 0 {
		out.GroupBits = defaultGroupBits
	}
	return out
}

// Create generates a brand-new safe at path: a fresh ElGamal group
// (or the precomputed one, if requested), nBlocks free blocks each
// holding a random valid-looking ciphertext, and the given
// key-stretching parameters (Argon2id by default). The file is not
// written until Close; nothing is persisted until then, matching the
// format's "one full rewrite per session" model.
func Create(ctx context.Context, path string, p Params) (*Safe, error) {
	const op = "safe.Create"
	p = p.resolve()

	fl := flock.New(path + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	if !ok {
		return nil, errors.E(op, errors.SafeLocked)
	}

	if _, err := os.Stat(path); err == nil {
		if !p.Override {
			fl.Unlock()
			return nil, errors.E(op, errors.SafeAlreadyExists)
		}
	} else if !os.IsNotExist(err) {
		fl.Unlock()
		return nil, errors.E(op, errors.IO, err)
	}

	var g *group.Group
	if p.Precomputed {
		g = group.Precomputed1024()
	} else {
		g, err = group.GenerateSafe(ctx, p.GroupBits, p.Workers)
		if err != nil {
			fl.Unlock()
			return nil, errors.E(op, err)
		}
	}

	bytesPerBlock := p.BytesPerBlock
	if bytesPerBlock == 0 {
		bytesPerBlock = (g.ElementSize() - 1)
		bytesPerBlock -= bytesPerBlock % 16 // AES block size
	}
	if !g.FitsPlaintext(bytesPerBlock) {
		fl.Unlock()
		return nil, errors.E(op, errors.Invalid, errors.Str("bytes-per-block too large for group"))
	}
	if bytesPerBlock%16 != 0 {
		// The slice layer enters the counter-mode stream at offsets
		// that are multiples of bytes-per-block minus its header, both
		// of which must land on a cipher block boundary.
		fl.Unlock()
		return nil, errors.E(op, errors.Invalid, errors.Str("bytes-per-block must be a multiple of the cipher block size"))
	}

	ks := p.KeyStretching
	if ks == nil {
		salt := make([]byte, 32)
		if _, err := cryptorand.Read(salt); err != nil {
			fl.Unlock()
			return nil, errors.E(op, errors.IO, err)
		}
		ks = keystretch.DefaultArgon2id(salt)
	}

	blocks := make([]*block.Block, p.NBlocks)
	free := make(map[int]bool, p.NBlocks)
	for i := range blocks {
		b, err := block.Random(g)
		if err != nil {
			fl.Unlock()
			return nil, errors.E(op, err)
		}
		blocks[i] = b
		free[i] = true
	}

	s := &Safe{
		cfg: &config{
			nBlocks:        p.NBlocks,
			bytesPerBlock:  bytesPerBlock,
			blockIndexSize: p.BlockIndexSize,
			sliceSizeField: p.SliceSizeField,
			group:          g,
			ks:             ks,
		},
		blocks:     blocks,
		free:       free,
		workers:    p.Workers,
		path:       path,
		flock:      fl,
		containers: make(map[int]*Container),
		touched:    true,
	}
	return s, nil
}

// Open loads an existing safe file, acquiring an exclusive lock for
// the duration of the session. Concurrent opens fail immediately with
// SafeLocked rather than blocking.
func Open(path string, readonly bool, workers int) (*Safe, error) {
	const op = "safe.Open"
	fl := flock.New(path + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	if !ok {
		return nil, errors.E(op, errors.SafeLocked)
	}

	f, err := os.Open(path)
	if err != nil {
		fl.Unlock()
		if os.IsNotExist(err) {
			return nil, errors.E(op, errors.SafeNotFound)
		}
		return nil, errors.E(op, errors.IO, err)
	}
	defer f.Close()

	cfg, blocks, err := readFile(f)
	if err != nil {
		fl.Unlock()
		return nil, errors.E(op, err)
	}

	free := reachableComplement(cfg, blocks)

	return &Safe{
		cfg:        cfg,
		blocks:     blocks,
		free:       free,
		workers:    workers,
		readonly:   readonly,
		path:       path,
		flock:      fl,
		containers: make(map[int]*Container),
	}, nil
}

// reachableComplement returns every block index as free: on load, the
// Safe has no way to distinguish a free block from one it simply
// hasn't been asked to open, since free blocks are deliberately never
// marked on disk. Callers that
// never reopen with every password never learn the true free set;
// this under-approximation -- starting "empty" and shrinking only as
// slices are actually allocated or discovered -- is intentional.
func reachableComplement(cfg *config, blocks []*block.Block) map[int]bool {
	free := make(map[int]bool, cfg.nBlocks)
	for i := range blocks {
		free[i] = true
	}
	return free
}

// NBlocks returns the total number of blocks in the safe.
func (s *Safe) NBlocks() int { return s.cfg.nBlocks }

// Touch marks the safe as modified outside of a container save, e.g.
// after TrashFreespace.
func (s *Safe) Touch() { s.touched = true }

// Touched reports whether anything was written into the block array
// this session. Note that Close rerandomizes and rewrites the file
// even when Touched is false; the flag tracks logical changes only.
func (s *Safe) Touched() bool { return s.touched }

// claim removes n indices from the free set, shuffled, and returns
// them. It fails with SafeFull if there aren't enough.
func (s *Safe) claim(n int) ([]int, error) {
	const op = "safe.claim"
	if len(s.free) < n {
		return nil, errors.E(op, errors.SafeFull)
	}
	all := make([]int, 0, len(s.free))
	for idx := range s.free {
		all = append(all, idx)
	}
	// Sort before shuffling: the selection must depend only on the
	// CSPRNG, not on map iteration order.
	sort.Ints(all)
	shuffleInts(all)
	claimed := all[:n]
	for _, idx := range claimed {
		delete(s.free, idx)
	}
	return claimed, nil
}

// TrashFreespace claims every remaining free block into a single decoy
// slice filled with uniform random plaintext under a random,
// never-revealed key, then empties the free set. After this call,
// Find on any key not already owning a block returns nothing new to
// discover: every block in the file looks owned.
func (s *Safe) TrashFreespace() error {
	const op = "safe.TrashFreespace"
	n := len(s.free)
	if n == 0 {
		return nil
	}
	indices, err := s.claim(n)
	if err != nil {
		return errors.E(op, err)
	}

	sizes := s.cfg.sliceSizes()
	key := make([]byte, keyderive.Native)
	if _, err := cryptorand.Read(key); err != nil {
		return errors.E(op, errors.IO, err)
	}
	value := make([]byte, sizes.Capacity(n))
	if _, err := cryptorand.Read(value); err != nil {
		return errors.E(op, errors.IO, err)
	}

	if _, err := slice.Store(s.cfg.blockParams(), sizes, s.blocks, key, indices, value, true); err != nil {
		return errors.E(op, err)
	}
	s.touched = true
	return nil
}

// shuffleInts performs a Fisher-Yates shuffle driven by the OS CSPRNG,
// so that the physical layout a slice ends up with carries no
// information about allocation order either.
func shuffleInts(s []int) {
	for i := len(s) - 1; i > 0; i-- {
		j := randIntn(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}

// randIntn returns a uniform random integer in [0, n) using the OS CSPRNG.
func randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := cryptorand.Int(cryptorand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err) // CSPRNG failure is unrecoverable.
	}
	return int(v.Int64())
}

// compositeKey combines password with additionalKeys (sorted, so the
// order the caller supplies them in never matters) before stretching,
// letting external keyfiles compose with typed passwords without
// distinguishing the two on disk.
func compositeKey(password []byte, additionalKeys [][]byte) []byte {
	if len(additionalKeys) == 0 {
		return password
	}
	sorted := make([][]byte, len(additionalKeys))
	copy(sorted, additionalKeys)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})
	inputs := append([][]byte{password}, sorted...)
	return keyderive.Derive(inputs, keyderive.Native)
}

// Rerandomize refreshes every block's ciphertext in place without
// changing what it decrypts to under its owning key. It is run, in
// parallel chunks of rerandomizeChunk blocks, on every write path;
// implementations must never skip it as a "no changes" optimization,
// or an observer diffing two snapshots could tell which blocks
// actually changed.
func (s *Safe) Rerandomize(ctx context.Context) error {
	const op = "safe.Rerandomize"
	bp := s.cfg.blockParams()
	seq := make([]interface{}, len(s.blocks))
	for i, b := range s.blocks {
		seq[i] = b
	}
	_, err := worker.ParallelMap(ctx, seq, func(ctx context.Context, offset int, chunk []interface{}) ([]interface{}, error) {
		for _, item := range chunk {
			b := item.(*block.Block)
			if err := bp.Rerandomize(b); err != nil {
				return nil, err
			}
		}
		return chunk, nil
	}, rerandomizeChunk, s.workers)
	if err != nil {
		return errors.E(op, err)
	}
	return nil
}

// autosaveContainers saves every container opened during this session
// that still has unsaved changes when the safe is closed.
func (s *Safe) autosaveContainers() error {
	const op = "safe.autosaveContainers"
	for _, c := range s.autosave {
		if c == nil || !c.unsavedChanges {
			continue
		}
		if err := c.Save(); err != nil {
			return errors.E(op, err)
		}
	}
	return nil
}

// Close flushes any unsaved container changes, then -- unless the
// safe was opened readonly -- rerandomizes every block and rewrites
// the file, regardless of whether anything actually changed. The file
// lock is always released, even on error.
func (s *Safe) Close(ctx context.Context) (err error) {
	const op = "safe.Close"
	defer func() {
		s.flock.Unlock()
	}()

	if s.readonly {
		return nil
	}

	if err := s.autosaveContainers(); err != nil {
		return errors.E(op, err)
	}

	if err := s.Rerandomize(ctx); err != nil {
		return errors.E(op, err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	if err := writeFile(f, s.cfg, s.blocks); err != nil {
		f.Close()
		return errors.E(op, err)
	}
	if err := f.Close(); err != nil {
		return errors.E(op, errors.IO, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}
