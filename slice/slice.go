// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package slice implements the variable-length record spread across
// an unordered multiset of blocks owned by one key: the layer between
// raw fixed-size blocks and the container structures built on top of
// them. A slice's first block carries a small header (a
// self-identifying tag plus an IV) and the rest of the index list;
// every block, including the first, also carries a chunk of an
// AES-CTR-enciphered payload, addressed by its position in the
// logical (not physical) order so that blocks can be read back in any
// order, or in parallel, once that order is known.
package slice

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"math/big"

	"github.com/bwesterb/pol/block"
	"github.com/bwesterb/pol/crypto/blockstream"
	"github.com/bwesterb/pol/crypto/keyderive"
	"github.com/bwesterb/pol/errors"
	"github.com/bwesterb/pol/worker"
)

// TagSymm derives a slice's symmetric stream key from its base key.
var TagSymm = []byte{0x41, 0x10, 0x25, 0x2b, 0x74, 0x0b, 0x03, 0xc5, 0x3b, 0x1c, 0x11, 0xd6, 0x37, 0x37, 0x43, 0xfb}

// Sizes bundles the three format parameters that determine a slice's
// layout and capacity; they are fixed for the lifetime of a safe.
type Sizes struct {
	BytesPerBlock  int
	BlockIndexSize int // 1, 2 or 4
	SliceSizeField int // 2 or 4
}

// headerLen is the length, in bytes, of the per-slice cleartext
// header at the start of the logical plaintext stream: the
// self-identifying tag, then the IV. Both are exactly the stream
// cipher's IV size, matching cipher.blocksize in the design doc.
func headerLen() int {
	return 2 * blockstream.IVSize
}

// Capacity returns the maximum value length storable in a slice of n
// blocks under these Sizes.
func (s Sizes) Capacity(n int) int {
	return n*(s.BytesPerBlock-s.BlockIndexSize) - headerLen() - s.SliceSizeField
}

func putIndex(buf []byte, size int, v int) {
	switch size {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(buf, uint32(v))
	default:
		panic("slice: unsupported block-index-size")
	}
}

func getIndex(buf []byte, size int) int {
	switch size {
	case 1:
		return int(buf[0])
	case 2:
		return int(binary.BigEndian.Uint16(buf))
	case 4:
		return int(binary.BigEndian.Uint32(buf))
	default:
		panic("slice: unsupported block-index-size")
	}
}

func putSize(buf []byte, size int, v int) {
	switch size {
	case 2:
		binary.BigEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(buf, uint32(v))
	default:
		panic("slice: unsupported slice-size-field")
	}
}

func getSize(buf []byte, size int) int {
	switch size {
	case 2:
		return int(binary.BigEndian.Uint16(buf))
	case 4:
		return int(binary.BigEndian.Uint32(buf))
	default:
		panic("slice: unsupported slice-size-field")
	}
}

// streamKey derives the AES-CTR key that enciphers a slice's body,
// and the header tag verifying that a candidate first block really
// was written under baseKey.
func streamKeyAndTag(baseKey []byte) (key, tag []byte) {
	key = keyderive.Derive([][]byte{baseKey, TagSymm}, blockstream.KeySize)
	tag = keyderive.Derive([][]byte{key}, blockstream.IVSize)
	return
}

// Store lays out value across the blocks named by indices (which must
// all currently be free, unless annex claims them) and returns the
// stable first-block index: the slice's identity. The permutation of
// indices to logical positions is chosen freshly at random on every
// call, which is what lets repeated stores of the same logical slice
// look unrelated to an observer.
func Store(p *block.Params, s Sizes, blocks []*block.Block, baseKey []byte, indices []int, value []byte, annex bool) (int, error) {
	const op = "slice.Store"
	n := len(indices)
	if n == 0 {
		return 0, errors.E(op, errors.Invalid, errors.Str("slice needs at least one block"))
	}
	if len(value) > s.Capacity(n) {
		return 0, errors.E(op, errors.Invalid, errors.Str("value too large for slice"))
	}

	perm := make([]int, n)
	copy(perm, indices)
	// The permutation is itself secret-adjacent: it determines which
	// physical block ends up at which logical position, so it is drawn
	// from the OS CSPRNG, not a seeded PRNG.
	if err := shuffle(perm); err != nil {
		return 0, errors.E(op, errors.IO, err)
	}
	first := perm[0]
	rest := perm[1:] // physical indices for logical positions 1..n-1, in order

	streamKey, tag := streamKeyAndTag(baseKey)
	iv := make([]byte, blockstream.IVSize)
	if _, err := cryptorand.Read(iv); err != nil {
		return 0, errors.E(op, errors.IO, err)
	}
	stream, err := blockstream.New(streamKey, iv)
	if err != nil {
		return 0, errors.E(op, err)
	}

	// Build the full logical plaintext: header || body, where body is
	// n(idx) || idx2..idxn || size || value || zero-pad, all of it
	// subsequently XORed with the CTR stream except the header itself.
	total := n * s.BytesPerBlock
	plain := make([]byte, total)
	copy(plain[0:blockstream.IVSize], tag)
	copy(plain[blockstream.IVSize:headerLen()], iv)

	body := plain[headerLen():]
	putIndex(body[0:s.BlockIndexSize], s.BlockIndexSize, n)
	off := s.BlockIndexSize
	for _, idx := range rest {
		putIndex(body[off:off+s.BlockIndexSize], s.BlockIndexSize, idx)
		off += s.BlockIndexSize
	}
	putSize(body[off:off+s.SliceSizeField], s.SliceSizeField, len(value))
	off += s.SliceSizeField
	copy(body[off:], value)

	ciphered, err := stream.EncryptAt(0, body)
	if err != nil {
		return 0, errors.E(op, err)
	}
	copy(body, ciphered)

	order := append([]int{first}, rest...)
	for j, physIdx := range order {
		wireStart := j * s.BytesPerBlock
		wireEnd := wireStart + s.BytesPerBlock
		if err := p.Encrypt(blocks[physIdx], baseKey, physIdx, plain[wireStart:wireEnd], annex); err != nil {
			return 0, errors.WithBlock(errors.E(op, err), physIdx)
		}
	}
	return first, nil
}

// Load reads back the slice rooted at firstIndex, returning its value
// and the full physical index list in logical order (index list[0] ==
// firstIndex).
func Load(ctx context.Context, p *block.Params, s Sizes, blocks []*block.Block, baseKey []byte, firstIndex int) ([]byte, []int, error) {
	const op = "slice.Load"
	plain0, err := p.Decrypt(blocks[firstIndex], baseKey, firstIndex)
	if err != nil {
		return nil, nil, errors.WithBlock(errors.E(op, err), firstIndex)
	}

	streamKey, tag := streamKeyAndTag(baseKey)
	if !constantEqual(plain0[0:blockstream.IVSize], tag) {
		return nil, nil, errors.WithBlock(errors.E(op, errors.WrongKey), firstIndex)
	}
	iv := plain0[blockstream.IVSize:headerLen()]

	stream, err := blockstream.New(streamKey, iv)
	if err != nil {
		return nil, nil, errors.E(op, err)
	}

	body0, err := stream.DecryptAt(0, plain0[headerLen():])
	if err != nil {
		return nil, nil, errors.E(op, err)
	}

	if len(body0) < s.BlockIndexSize {
		return nil, nil, errors.E(op, errors.SafeFormat, errors.Str("first block too short for index count"))
	}
	n := getIndex(body0[0:s.BlockIndexSize], s.BlockIndexSize)
	if n < 1 || n > len(blocks) {
		return nil, nil, errors.E(op, errors.SafeFormat, errors.Str("slice has invalid block count"))
	}

	// Sequentially decode the index list and the size field, fetching
	// and body-decrypting further blocks as needed: the physical index
	// of logical position k is itself only known once we've decoded
	// that far into the stream. Each fetched block yields far more
	// index bytes than the one index needed to fetch it, so the reader
	// always stays ahead of itself on a well-formed slice.
	indices := make([]int, n)
	indices[0] = firstIndex

	needed := (n-1)*s.BlockIndexSize + s.SliceSizeField
	have := body0[s.BlockIndexSize:] // body bytes after the count field
	decoded := 1                     // indices known so far, including the first
	fetched := 1                     // blocks fetched so far, in logical order

	for {
		for decoded < n && decoded*s.BlockIndexSize <= len(have) {
			off := (decoded - 1) * s.BlockIndexSize
			idx := getIndex(have[off:off+s.BlockIndexSize], s.BlockIndexSize)
			if idx < 0 || idx >= len(blocks) {
				return nil, nil, errors.E(op, errors.SafeFormat, errors.Str("slice index out of range"))
			}
			indices[decoded] = idx
			decoded++
		}
		if decoded == n && len(have) >= needed {
			break
		}
		if fetched >= n || fetched >= decoded {
			return nil, nil, errors.E(op, errors.SafeFormat, errors.Str("truncated slice index list"))
		}
		physIdx := indices[fetched]
		plainK, err := p.Decrypt(blocks[physIdx], baseKey, physIdx)
		if err != nil {
			return nil, nil, errors.WithBlock(errors.E(op, err), physIdx)
		}
		offset := int64(fetched)*int64(s.BytesPerBlock) - int64(headerLen())
		bodyK, err := stream.DecryptAt(offset, plainK)
		if err != nil {
			return nil, nil, errors.E(op, err)
		}
		have = append(have, bodyK...)
		fetched++
	}

	sizeOff := (n - 1) * s.BlockIndexSize
	size := getSize(have[sizeOff:sizeOff+s.SliceSizeField], s.SliceSizeField)

	valueStart := sizeOff + s.SliceSizeField
	needValueEnd := valueStart + size

	// Now that the full index list is known, decrypt any remaining
	// blocks in parallel: each is independent given its logical
	// offset.
	type chunkResult struct {
		pos  int
		data []byte
	}
	remaining := make([]interface{}, 0, n-fetched)
	for logPos := fetched; logPos < n; logPos++ {
		remaining = append(remaining, logPos)
	}
	if len(remaining) > 0 {
		out, err := worker.ParallelMap(ctx, remaining, func(ctx context.Context, offset int, chunk []interface{}) ([]interface{}, error) {
			results := make([]interface{}, len(chunk))
			for i, item := range chunk {
				logPos := item.(int)
				physIdx := indices[logPos]
				plainK, err := p.Decrypt(blocks[physIdx], baseKey, physIdx)
				if err != nil {
					return nil, errors.WithBlock(errors.E(op, err), physIdx)
				}
				woff := int64(logPos)*int64(s.BytesPerBlock) - int64(headerLen())
				bodyK, err := stream.DecryptAt(woff, plainK)
				if err != nil {
					return nil, err
				}
				results[i] = chunkResult{pos: logPos, data: bodyK}
			}
			return results, nil
		}, 1, 0)
		if err != nil {
			return nil, nil, err
		}
		// Results come back in input order (ParallelMap preserves
		// order), and that order is increasing logPos, so we can
		// append directly.
		for _, r := range out {
			have = append(have, r.(chunkResult).data...)
		}
	}

	if needValueEnd > len(have) {
		return nil, nil, errors.E(op, errors.SafeFormat, errors.Str("truncated slice payload"))
	}
	value := make([]byte, size)
	copy(value, have[valueStart:needValueEnd])
	return value, indices, nil
}

// Find scans every block of the safe looking for ones owned by
// baseKey whose decoded plaintext begins with baseKey's stream tag,
// and Loads each as a slice root. It is used only when a slice's
// location is not already known from an access slice, i.e. at initial
// password unlock.
func Find(ctx context.Context, p *block.Params, s Sizes, blocks []*block.Block, baseKey []byte) ([]int, error) {
	var firsts []int
	_, tag := streamKeyAndTag(baseKey)
	for idx := range blocks {
		plain, err := p.Decrypt(blocks[idx], baseKey, idx)
		if err != nil {
			continue // not ours: the overwhelmingly common case.
		}
		if len(plain) < blockstream.IVSize || !constantEqual(plain[0:blockstream.IVSize], tag) {
			continue
		}
		firsts = append(firsts, idx)
	}
	return firsts, nil
}

// shuffle performs a Fisher-Yates shuffle of s driven by the OS CSPRNG.
func shuffle(s []int) error {
	for i := len(s) - 1; i > 0; i-- {
		v, err := cryptorand.Int(cryptorand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return err
		}
		j := int(v.Int64())
		s[i], s[j] = s[j], s[i]
	}
	return nil
}

func constantEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
