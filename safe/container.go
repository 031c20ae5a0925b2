// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package safe

import (
	"context"
	cryptorand "crypto/rand"

	"github.com/bwesterb/pol/crypto/blockstream"
	"github.com/bwesterb/pol/crypto/envelope"
	"github.com/bwesterb/pol/crypto/keyderive"
	"github.com/bwesterb/pol/errors"
	"github.com/bwesterb/pol/internal/son"
	"github.com/bwesterb/pol/log"
	"github.com/bwesterb/pol/slice"
)

// AccessType is the role an access slice grants over its container.
type AccessType int

const (
	AccessFull   AccessType = 0
	AccessList   AccessType = 1
	AccessAppend AccessType = 2
)

// Magic constants of the container format. tagList is an independent
// random value, deliberately distinct from block.TagElGamal, so that
// the list-key derivation never shares a label with the block layer's
// private-key derivation.
var (
	accessSliceMagic = []byte{0x1a, 0x1a, 0x8a, 0xd7}
	mainSliceMagic   = []byte{0x33, 0x65, 0x3e, 0xfc}
	appendSliceMagic = []byte{0x2d, 0x50, 0x39, 0xba}
	tagList          = []byte{0x9f, 0x3a, 0xb1, 0x7c, 0x2e, 0x4d, 0x50, 0x61, 0xb8, 0xd9, 0xea, 0xc1, 0x37, 0x0f, 0x2b, 0x44}
	tagAppend        = []byte{0x76, 0x00, 0x1c, 0x34, 0x4c, 0xbd, 0x9e, 0x73, 0xa6, 0xb5, 0xbd, 0x48, 0xb6, 0x72, 0x66, 0xd9}
)

// Entry is a single (key, note, secret) record of an opened container.
// It is a snapshot: mutate the container through Add/Remove, not this
// struct, and re-List/Get to see the result.
type Entry struct {
	Key       []byte
	Note      []byte
	Secret    []byte
	HasSecret bool

	fromAppend bool
	index      int
}

// Container is a single user-facing safe container: up to three
// slices (access is handled entirely by Safe), gated by full, list and
// append keys of which a given in-memory Container instance holds
// whichever subset it was opened with.
type Container struct {
	safe *Safe

	fullKey, listKey, appendKey []byte

	mainIndices   []int // nil if list/full access not held
	appendIndices []int // nil if append access not held

	mainEntries []*entryPair // nil slots are tombstones, filtered on Save
	secrets     [][]byte     // parallel to mainEntries; nil if no full_key

	envelopePub  envelope.PublicKey
	envelopePriv *envelope.PrivateKey // nil unless full_key held

	appendRaw []([]byte) // raw sealed entries; nil slots are tombstones

	secretsIV []byte // IV for the encrypted secrets blob, set by Save/resolveAccess
	secretsCT []byte // encrypted secrets blob, set by Save/resolveAccess

	unsavedChanges bool
}

type entryPair struct {
	Key, Note []byte
}

// ID identifies a container stably across repeated opens: the
// append slice's first index if one is known, else the main slice's.
func (c *Container) ID() int {
	if len(c.appendIndices) > 0 {
		return c.appendIndices[0]
	}
	return c.mainIndices[0]
}

// CanAdd reports whether this Container instance holds enough access
// to add an entry (full or append-only).
func (c *Container) CanAdd() bool {
	return c.secrets != nil || (c.appendKey != nil && c.envelopePub != nil)
}

// HasSecrets reports whether this instance holds full access.
func (c *Container) HasSecrets() bool {
	return c.secrets != nil
}

// List returns every visible entry. Append-only access alone is
// insufficient: MissingKey is returned unless at least list access is
// held.
func (c *Container) List() ([]Entry, error) {
	const op = "Container.List"
	if c.mainIndices == nil {
		return nil, errors.E(op, errors.MissingKey)
	}
	var out []Entry
	for i, e := range c.mainEntries {
		if e == nil {
			continue
		}
		entry := Entry{Key: e.Key, Note: e.Note, fromAppend: false, index: i}
		if c.secrets != nil {
			entry.Secret = c.secrets[i]
			entry.HasSecret = true
		}
		out = append(out, entry)
	}
	return out, nil
}

// Get returns every visible entry whose key equals key.
func (c *Container) Get(key []byte) ([]Entry, error) {
	all, err := c.List()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if bytesEqualC(e.Key, key) {
			out = append(out, e)
		}
	}
	return out, nil
}

func bytesEqualC(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Add appends a new (key, note, secret) entry. With full access it is
// stored directly; with append-only access it is sealed under the
// container's envelope public key so that this accessor can add
// without being able to read anything back.
func (c *Container) Add(key, note, secret []byte) error {
	const op = "Container.Add"
	switch {
	case c.secrets != nil:
		c.mainEntries = append(c.mainEntries, &entryPair{Key: key, Note: note})
		c.secrets = append(c.secrets, secret)
	case c.appendKey != nil && c.envelopePub != nil:
		payload, err := son.MarshalUncompressed([]interface{}{key, note, secret})
		if err != nil {
			return errors.E(op, err)
		}
		ct, err := envelope.Seal(payload, c.envelopePub)
		if err != nil {
			return errors.E(op, err)
		}
		c.appendRaw = append(c.appendRaw, ct)
	default:
		return errors.E(op, errors.MissingKey)
	}
	c.unsavedChanges = true
	return nil
}

// Remove marks e as deleted; it is filtered out on the next Save.
// Removal requires full access: the secrets ciphertext must be
// rewritten alongside the entries list to keep the two index-aligned,
// and only the full key can do that.
func (c *Container) Remove(e Entry) error {
	const op = "Container.Remove"
	if c.secrets == nil {
		return errors.E(op, errors.MissingKey)
	}
	if e.fromAppend || e.index < 0 || e.index >= len(c.mainEntries) {
		return errors.E(op, errors.Invalid, errors.Str("entry does not belong to this container"))
	}
	c.mainEntries[e.index] = nil
	c.secrets[e.index] = nil
	c.unsavedChanges = true
	return nil
}

// Save writes every slice this Container holds access to back into
// the safe's block array (in memory; the file itself is rewritten
// only on Safe.Close). Slices this instance lacks the key for are
// left untouched.
func (c *Container) Save() error {
	const op = "Container.Save"
	bp := c.safe.cfg.blockParams()
	sizes := c.safe.cfg.sliceSizes()

	if c.secrets != nil {
		privBytes := []byte{}
		if c.envelopePriv != nil {
			privBytes = c.envelopePriv.Bytes()
		}
		secretEntries := compactBytesPairs(c.secrets)
		secretTuple := []interface{}{privBytes, secretEntries}
		secretPT, err := son.Marshal(secretTuple)
		if err != nil {
			return errors.E(op, err)
		}
		iv := make([]byte, blockstream.IVSize)
		if _, err := cryptorand.Read(iv); err != nil {
			return errors.E(op, errors.IO, err)
		}
		streamKey := keyderive.Derive([][]byte{c.fullKey, slice.TagSymm}, blockstream.KeySize)
		st, err := blockstream.New(streamKey, iv)
		if err != nil {
			return errors.E(op, err)
		}
		ct, err := st.EncryptAt(0, secretPT)
		if err != nil {
			return errors.E(op, err)
		}
		c.secretsCT = ct
		c.secretsIV = iv
	}

	if c.mainIndices != nil {
		var appendIdx interface{}
		if len(c.appendIndices) > 0 {
			appendIdx = c.appendIndices[0]
		}
		entries := compactEntryPairs(c.mainEntries)
		mainTuple := []interface{}{mainSliceMagic, appendIdx, entries, c.secretsIV, c.secretsCT}
		mainPT, err := son.Marshal(mainTuple)
		if err != nil {
			return errors.E(op, err)
		}
		if _, err := slice.Store(bp, sizes, c.safe.blocks, c.listKey, c.mainIndices, mainPT, true); err != nil {
			return errors.E(op, err)
		}
		c.safe.touched = true
	}

	if c.appendIndices != nil {
		entries := compactBytesPairs(c.appendRaw)
		appendTuple := []interface{}{appendSliceMagic, []byte(c.envelopePub), entries}
		appendPT, err := son.Marshal(appendTuple)
		if err != nil {
			return errors.E(op, err)
		}
		if _, err := slice.Store(bp, sizes, c.safe.blocks, c.appendKey, c.appendIndices, appendPT, true); err != nil {
			return errors.E(op, err)
		}
		c.safe.touched = true
	}

	c.unsavedChanges = false
	return nil
}

func compactEntryPairs(in []*entryPair) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, e := range in {
		if e == nil {
			continue
		}
		out = append(out, []interface{}{e.Key, e.Note})
	}
	return out
}

func compactBytesPairs(in [][]byte) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, e := range in {
		if e == nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

// NewContainer creates a new container with up to three access
// levels: master is required, list and append are optional passwords
// (nil skips that access slice). nblocks bounds the total size across
// all of the container's slices; additionalKeys, if given, compose
// with every password the same way (sorted, then mixed in via key
// derivation) so keyfiles and typed passwords are indistinguishable on
// disk.
func (s *Safe) NewContainer(master, list, appendPw []byte, additionalKeys [][]byte, nblocks int) (*Container, error) {
	const op = "Safe.NewContainer"
	if master == nil {
		return nil, errors.E(op, errors.Invalid, errors.Str("master password required"))
	}
	wantAppendSlice := list != nil || appendPw != nil

	nMainBlocks := nblocks - 1 // master access slice
	if list != nil {
		nMainBlocks--
	}
	if appendPw != nil {
		nMainBlocks--
	}
	if wantAppendSlice {
		nMainBlocks -= appendSliceBlocks
	}
	if nMainBlocks < 1 {
		return nil, errors.E(op, errors.Invalid, errors.Str("nblocks too small for requested access levels"))
	}

	mainIndices, err := s.claim(nMainBlocks)
	if err != nil {
		return nil, errors.E(op, err)
	}
	fullASIndices, err := s.claim(1)
	if err != nil {
		return nil, errors.E(op, err)
	}
	var appendIndices, listASIndices, appendASIndices []int
	if wantAppendSlice {
		appendIndices, err = s.claim(appendSliceBlocks)
		if err != nil {
			return nil, errors.E(op, err)
		}
	}
	if appendPw != nil {
		appendASIndices, err = s.claim(1)
		if err != nil {
			return nil, errors.E(op, err)
		}
	}
	if list != nil {
		listASIndices, err = s.claim(1)
		if err != nil {
			return nil, errors.E(op, err)
		}
	}

	var pub envelope.PublicKey
	var priv *envelope.PrivateKey
	if wantAppendSlice {
		pub, priv, err = envelope.GenerateKeyPair()
		if err != nil {
			return nil, errors.E(op, err)
		}
	}

	fullKey := make([]byte, keyderive.Native)
	if _, err := cryptorand.Read(fullKey); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	listKey := keyderive.Derive([][]byte{fullKey, tagList}, keyderive.Native)
	appendKey := keyderive.Derive([][]byte{listKey, tagAppend}, keyderive.Native)

	asFullKey, err := s.stretchAccessPassword(master, additionalKeys)
	if err != nil {
		return nil, errors.E(op, err)
	}
	var asListKey, asAppendKey []byte
	if list != nil {
		asListKey, err = s.stretchAccessPassword(list, additionalKeys)
		if err != nil {
			return nil, errors.E(op, err)
		}
	}
	if appendPw != nil {
		asAppendKey, err = s.stretchAccessPassword(appendPw, additionalKeys)
		if err != nil {
			return nil, errors.E(op, err)
		}
	}

	bp := s.cfg.blockParams()
	sizes := s.cfg.sliceSizes()

	if _, err := slice.Store(bp, sizes, s.blocks, asFullKey, fullASIndices,
		mustSON(son.MarshalUncompressed([]interface{}{accessSliceMagic, int(AccessFull), fullKey, mainIndices[0]})), true); err != nil {
		return nil, errors.E(op, err)
	}
	if appendPw != nil {
		if _, err := slice.Store(bp, sizes, s.blocks, asAppendKey, appendASIndices,
			mustSON(son.MarshalUncompressed([]interface{}{accessSliceMagic, int(AccessAppend), appendKey, appendIndices[0]})), true); err != nil {
			return nil, errors.E(op, err)
		}
	}
	if list != nil {
		if _, err := slice.Store(bp, sizes, s.blocks, asListKey, listASIndices,
			mustSON(son.MarshalUncompressed([]interface{}{accessSliceMagic, int(AccessList), listKey, mainIndices[0]})), true); err != nil {
			return nil, errors.E(op, err)
		}
	}

	c := &Container{
		safe:          s,
		fullKey:       fullKey,
		listKey:       listKey,
		appendKey:     appendKey,
		mainIndices:   mainIndices,
		appendIndices: appendIndices,
		secrets:       [][]byte{},
		envelopePriv:  priv,
	}
	if wantAppendSlice {
		c.envelopePub = pub
		c.appendRaw = []([]byte){}
	}

	if err := c.Save(); err != nil {
		return nil, errors.E(op, err)
	}
	s.containers[c.ID()] = c
	return c, nil
}

// stretchAccessPassword composes password with additionalKeys and
// stretches the result per the safe's key-stretching configuration.
func (s *Safe) stretchAccessPassword(password []byte, additionalKeys [][]byte) ([]byte, error) {
	return s.cfg.ks.Stretch(compositeKey(password, additionalKeys))
}

func mustSON(b []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return b
}

// MoveCallback is called with the entries moved out of an append
// slice into the main slice during OpenContainers, once per Container
// that received any.
type MoveCallback func(c *Container, moved []Entry)

// OpenContainers stretches password (composed with additionalKeys),
// scans the safe for every access slice it opens, and returns the
// corresponding containers. A wrong password yields zero containers
// with no distinguishing error -- that silence is load bearing for
// deniability. onMove, if non-nil, is invoked once per container for
// which entries were moved out of its append slice during this open.
func (s *Safe) OpenContainers(ctx context.Context, password []byte, additionalKeys [][]byte, onMove MoveCallback) ([]*Container, error) {
	const op = "Safe.OpenContainers"
	accessKey, err := s.stretchAccessPassword(password, additionalKeys)
	if err != nil {
		return nil, errors.E(op, err)
	}

	bp := s.cfg.blockParams()
	sizes := s.cfg.sliceSizes()

	firsts, err := slice.Find(ctx, bp, sizes, s.blocks, accessKey)
	if err != nil {
		return nil, errors.E(op, err)
	}

	var out []*Container
	for _, first := range firsts {
		raw, _, err := slice.Load(ctx, bp, sizes, s.blocks, accessKey, first)
		if err != nil {
			log.Debug.Printf("safe: skipping block %d: not a loadable slice", first)
			continue // false positive from Find; never surfaced.
		}
		var tuple []interface{}
		if err := son.Unmarshal(raw, &tuple); err != nil || len(tuple) != 4 {
			log.Debug.Printf("safe: skipping slice at block %d: not an access tuple", first)
			continue
		}
		magic, ok := tuple[0].([]byte)
		if !ok || !bytesEqualC(magic, accessSliceMagic) {
			log.Debug.Printf("safe: skipping slice at block %d: wrong magic", first)
			continue
		}
		typ, err := sonInt(tuple[1])
		if err != nil {
			continue
		}
		key, ok := tuple[2].([]byte)
		if !ok {
			continue
		}
		index, err := sonInt(tuple[3])
		if err != nil {
			continue
		}

		c, moved, err := s.resolveAccess(ctx, AccessType(typ), key, index)
		if err != nil {
			continue // structural corruption inside this slice is fatal
			// to that container, but not to the overall open.
		}
		if moved != nil && onMove != nil {
			onMove(c, moved)
		}
		s.autosave = append(s.autosave, c)
		out = append(out, c)
	}
	return out, nil
}

func sonInt(v interface{}) (int, error) {
	switch x := v.(type) {
	case int64:
		return int(x), nil
	case uint64:
		return int(x), nil
	case int:
		return int(x), nil
	case uint8:
		return int(x), nil
	}
	return 0, errors.Str("not an integer")
}

// resolveAccess dispatches on the access tuple's type, loading
// whatever slices that access level reveals, merging into an
// already-open in-memory Container for the same underlying container
// if one exists, so that sessions at different access levels share a
// single instance.
func (s *Safe) resolveAccess(ctx context.Context, typ AccessType, key []byte, index int) (*Container, []Entry, error) {
	const op = "Safe.resolveAccess"
	bp := s.cfg.blockParams()
	sizes := s.cfg.sliceSizes()

	switch typ {
	case AccessAppend:
		if existing, ok := s.containers[index]; ok {
			// Already open at some level; the append key is derivable
			// from what it holds, so there is nothing new to learn.
			existing.appendKey = key
			return existing, nil, nil
		}
		appendIndices, pub, sealed, err := s.loadAppendSlice(ctx, key, index)
		if err != nil {
			return nil, nil, errors.E(op, err)
		}
		c := &Container{
			safe:          s,
			appendKey:     key,
			appendIndices: appendIndices,
			envelopePub:   pub,
			appendRaw:     sealed,
		}
		s.containers[index] = c
		return c, nil, nil

	case AccessList, AccessFull:
		listKey := key
		var fullKey []byte
		if typ == AccessFull {
			fullKey = key
			listKey = keyderive.Derive([][]byte{fullKey, tagList}, keyderive.Native)
		}
		appendKeyDerived := keyderive.Derive([][]byte{listKey, tagAppend}, keyderive.Native)

		mainRaw, mainIndices, err := slice.Load(ctx, bp, sizes, s.blocks, listKey, index)
		if err != nil {
			return nil, nil, errors.E(op, err)
		}
		var mainTuple []interface{}
		if err := son.Unmarshal(mainRaw, &mainTuple); err != nil || len(mainTuple) != 5 {
			return nil, nil, errors.E(op, errors.SafeFormat)
		}
		magic, ok := mainTuple[0].([]byte)
		if !ok || !bytesEqualC(magic, mainSliceMagic) {
			return nil, nil, errors.E(op, errors.SafeFormat)
		}
		var appendIndex = -1
		hasAppend := mainTuple[1] != nil
		if hasAppend {
			ai, err := sonInt(mainTuple[1])
			if err != nil {
				return nil, nil, errors.E(op, errors.SafeFormat)
			}
			appendIndex = ai
		}
		rawEntries, _ := mainTuple[2].([]interface{})
		iv, _ := mainTuple[3].([]byte)
		secretsCT, _ := mainTuple[4].([]byte)

		mainEntries := make([]*entryPair, 0, len(rawEntries))
		for _, re := range rawEntries {
			pair, ok := re.([]interface{})
			if !ok || len(pair) != 2 {
				continue
			}
			k, _ := pair[0].([]byte)
			n, _ := pair[1].([]byte)
			mainEntries = append(mainEntries, &entryPair{Key: k, Note: n})
		}

		var c *Container
		if hasAppend {
			if existing, ok := s.containers[appendIndex]; ok {
				c = existing
				delete(s.containers, appendIndex)
			}
		}
		if c == nil {
			// A container with no append slice is identified by its
			// main slice's first index instead.
			if existing, ok := s.containers[index]; ok {
				c = existing
			}
		}
		if c != nil && c.unsavedChanges {
			// An earlier open of this container (typically append-only)
			// holds additions that exist only in memory; flush them into
			// the block array so the reload below does not lose them.
			if err := c.Save(); err != nil {
				return nil, nil, errors.E(op, err)
			}
		}
		if c == nil {
			c = &Container{safe: s}
		}
		c.mainIndices = mainIndices
		c.listKey = listKey
		c.appendKey = appendKeyDerived
		c.secretsIV = iv
		c.secretsCT = secretsCT
		c.mainEntries = mainEntries

		var secretPriv *envelope.PrivateKey
		var secrets [][]byte
		if typ == AccessFull {
			c.fullKey = fullKey
			streamKey := keyderive.Derive([][]byte{fullKey, slice.TagSymm}, blockstream.KeySize)
			st, err := blockstream.New(streamKey, iv)
			if err != nil {
				return nil, nil, errors.E(op, err)
			}
			secretPT, err := st.DecryptAt(0, secretsCT)
			if err != nil {
				return nil, nil, errors.E(op, err)
			}
			var secretTuple []interface{}
			if err := son.Unmarshal(secretPT, &secretTuple); err != nil || len(secretTuple) != 2 {
				return nil, nil, errors.E(op, errors.SafeFormat)
			}
			privBytes, _ := secretTuple[0].([]byte)
			rawSecrets, _ := secretTuple[1].([]interface{})
			for _, rs := range rawSecrets {
				sb, _ := rs.([]byte)
				secrets = append(secrets, sb)
			}
			for len(secrets) < len(mainEntries) {
				secrets = append(secrets, nil)
			}
			if len(privBytes) > 0 {
				secretPriv = envelope.PrivateKeyFromBytes(privBytes)
			}
			c.secrets = secrets
			c.envelopePriv = secretPriv
		}

		var moved []Entry
		if hasAppend {
			appendIndices, pub, sealed, err := s.loadAppendSlice(ctx, c.appendKey, appendIndex)
			if err != nil {
				return nil, nil, errors.E(op, err)
			}
			c.appendIndices = appendIndices
			c.envelopePub = pub

			if typ == AccessFull && c.envelopePriv != nil && len(sealed) > 0 {
				for _, ct := range sealed {
					pt, err := envelope.Open(ct, c.envelopePriv)
					if err != nil {
						continue
					}
					var tup []interface{}
					if err := son.Unmarshal(pt, &tup); err != nil || len(tup) != 3 {
						continue
					}
					k, _ := tup[0].([]byte)
					n, _ := tup[1].([]byte)
					sec, _ := tup[2].([]byte)
					c.mainEntries = append(c.mainEntries, &entryPair{Key: k, Note: n})
					c.secrets = append(c.secrets, sec)
					moved = append(moved, Entry{Key: k, Note: n, Secret: sec, HasSecret: true, index: len(c.mainEntries) - 1})
				}
				c.appendRaw = nil // emptied: moved into main/secret.
				if len(moved) > 0 {
					c.unsavedChanges = true
				}
			} else {
				c.appendRaw = sealed
			}
		}

		s.containers[c.ID()] = c
		return c, moved, nil
	}
	return nil, nil, errors.E(op, errors.SafeFormat, errors.Str("unknown access type"))
}

// loadAppendSlice loads and decodes the append slice rooted at index
// under appendKey, returning its block indices, the container's
// envelope public key and the sealed entries it holds.
func (s *Safe) loadAppendSlice(ctx context.Context, appendKey []byte, index int) ([]int, envelope.PublicKey, [][]byte, error) {
	const op = "Safe.loadAppendSlice"
	raw, indices, err := slice.Load(ctx, s.cfg.blockParams(), s.cfg.sliceSizes(), s.blocks, appendKey, index)
	if err != nil {
		return nil, nil, nil, errors.E(op, err)
	}
	var tuple []interface{}
	if err := son.Unmarshal(raw, &tuple); err != nil || len(tuple) != 3 {
		return nil, nil, nil, errors.E(op, errors.SafeFormat)
	}
	magic, ok := tuple[0].([]byte)
	if !ok || !bytesEqualC(magic, appendSliceMagic) {
		return nil, nil, nil, errors.E(op, errors.SafeFormat)
	}
	pub, _ := tuple[1].([]byte)
	rawList, _ := tuple[2].([]interface{})
	var sealed [][]byte
	for _, re := range rawList {
		b, _ := re.([]byte)
		sealed = append(sealed, b)
	}
	return indices, envelope.PublicKey(pub), sealed, nil
}
