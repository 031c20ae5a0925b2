// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package safe

import (
	"bytes"
	"encoding/hex"
	"io"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/bwesterb/pol/block"
	"github.com/bwesterb/pol/crypto/keystretch"
	"github.com/bwesterb/pol/errors"
	"github.com/bwesterb/pol/group"
	"github.com/bwesterb/pol/internal/bigint"
	"github.com/bwesterb/pol/slice"
)

// magic is the 18-byte tag that opens every safe file: an ASCII
// sentinel followed by a fixed random-looking suffix, so that
// truncated or foreign files are rejected before anything is unpacked.
var magic = append([]byte("pol\n"), mustHex("d163d4977a2cf681ad9a6cfe98ab")...)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

const typeElGamal = "elgamal"

// Params configures a freshly created safe. Callers of Create fill
// this in; zero values select the format defaults.
type Params struct {
	NBlocks        int
	BytesPerBlock  int // 0 selects the default derived from GroupBits
	BlockIndexSize int // 1, 2 or 4; 0 selects the default (2)
	SliceSizeField int // 2 or 4; 0 selects the default (4)
	GroupBits      int // 0 selects the default (1025)
	Precomputed    bool
	KeyStretching  *keystretch.Params // nil selects DefaultArgon2id
	Workers        int
	Override       bool // allow Create to overwrite an existing file
}

// config is the on-disk, fully-resolved configuration of an existing
// safe: the result of either generating fresh Params or unpacking a
// file.
type config struct {
	nBlocks        int
	bytesPerBlock  int
	blockIndexSize int
	sliceSizeField int
	group          *group.Group
	ks             *keystretch.Params
}

func (c *config) blockParams() *block.Params {
	return &block.Params{
		Group:         c.group,
		BytesPerBlock: c.bytesPerBlock,
		Derive:        keyDerive,
	}
}

func (c *config) sliceSizes() slice.Sizes {
	return slice.Sizes{
		BytesPerBlock:  c.bytesPerBlock,
		BlockIndexSize: c.blockIndexSize,
		SliceSizeField: c.sliceSizeField,
	}
}

var mh = &codec.MsgpackHandle{RawToString: false}

func init() {
	mh.WriteExt = true
}

// writeFile serializes magic, the configuration and the block array to w.
func writeFile(w io.Writer, c *config, blocks []*block.Block) error {
	const op = "safe.writeFile"
	if _, err := w.Write(magic); err != nil {
		return errors.E(op, errors.IO, err)
	}
	data := map[string]interface{}{
		"type":              typeElGamal,
		"n-blocks":          c.nBlocks,
		"bytes-per-block":   c.bytesPerBlock,
		"block-index-size":  c.blockIndexSize,
		"slice-size":        c.sliceSizeField,
		"group-params":      []interface{}{bigint.Encode(c.group.P), bigint.Encode(c.group.G)},
		"key-stretching":    ksToMap(c.ks),
		"key-derivation":    map[string]interface{}{"type": "sha256"},
		"envelope":          map[string]interface{}{"type": "ecies-p256"},
		"block-cipher":      map[string]interface{}{"type": "aes256-ctr"},
		"blocks":            blocksToWire(blocks),
	}
	enc := codec.NewEncoder(w, mh)
	if err := enc.Encode(data); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

func blocksToWire(blocks []*block.Block) []interface{} {
	out := make([]interface{}, len(blocks))
	for i, b := range blocks {
		out[i] = []interface{}{
			bigint.Encode(b.C1),
			bigint.Encode(b.C2),
			bigint.Encode(b.PubKey),
			[]byte(b.Marker),
		}
	}
	return out
}

// readFile verifies the magic and unpacks the configuration and block
// array from r.
func readFile(r io.Reader) (*config, []*block.Block, error) {
	const op = "safe.readFile"
	got := make([]byte, len(magic))
	if _, err := io.ReadFull(r, got); err != nil {
		return nil, nil, errors.E(op, errors.WrongMagic, err)
	}
	if !bytes.Equal(got, magic) {
		return nil, nil, errors.E(op, errors.WrongMagic)
	}

	var data map[string]interface{}
	dec := codec.NewDecoder(r, mh)
	if err := dec.Decode(&data); err != nil {
		return nil, nil, errors.E(op, errors.SafeFormat, err)
	}

	typ, ok := asString(data["type"])
	if !ok || typ != typeElGamal {
		return nil, nil, errors.E(op, errors.SafeFormat, errors.Str("unknown or missing safe type"))
	}

	c := &config{}
	var err error
	c.nBlocks, err = asInt(data["n-blocks"])
	if err != nil {
		return nil, nil, errors.E(op, errors.SafeFormat, err)
	}
	c.bytesPerBlock, err = asInt(data["bytes-per-block"])
	if err != nil {
		return nil, nil, errors.E(op, errors.SafeFormat, err)
	}
	c.blockIndexSize, err = asInt(data["block-index-size"])
	if err != nil {
		return nil, nil, errors.E(op, errors.SafeFormat, err)
	}
	c.sliceSizeField, err = asInt(data["slice-size"])
	if err != nil {
		return nil, nil, errors.E(op, errors.SafeFormat, err)
	}

	gp, ok := data["group-params"].([]interface{})
	if !ok || len(gp) != 2 {
		return nil, nil, errors.E(op, errors.SafeFormat, errors.Str("malformed group-params"))
	}
	pBytes, ok1 := asBytes(gp[0])
	gBytes, ok2 := asBytes(gp[1])
	if !ok1 || !ok2 {
		return nil, nil, errors.E(op, errors.SafeFormat, errors.Str("malformed group-params element"))
	}
	c.group = &group.Group{P: bigint.Decode(pBytes), G: bigint.Decode(gBytes)}

	ksMap, ok := data["key-stretching"].(map[string]interface{})
	if !ok {
		// codec decodes nested maps as map[interface{}]interface{}
		// when the key type isn't known ahead of time; normalize.
		raw, ok2 := data["key-stretching"].(map[interface{}]interface{})
		if !ok2 {
			return nil, nil, errors.E(op, errors.SafeFormat, errors.Str("malformed key-stretching"))
		}
		ksMap = normalizeMap(raw)
	}
	c.ks, err = ksFromMap(ksMap)
	if err != nil {
		return nil, nil, errors.E(op, err)
	}

	if !c.group.FitsPlaintext(c.bytesPerBlock) {
		return nil, nil, errors.E(op, errors.SafeFormat, errors.Str("bytes-per-block too large for group"))
	}

	rawBlocks, ok := data["blocks"].([]interface{})
	if !ok || len(rawBlocks) != c.nBlocks {
		return nil, nil, errors.E(op, errors.SafeFormat, errors.Str("block array length mismatch"))
	}
	blocks := make([]*block.Block, c.nBlocks)
	for i, rb := range rawBlocks {
		fields, ok := rb.([]interface{})
		if !ok || len(fields) != 4 {
			return nil, nil, errors.E(op, errors.SafeFormat, errors.Str("malformed block entry"))
		}
		c1, ok1 := asBytes(fields[0])
		c2, ok2 := asBytes(fields[1])
		pub, ok3 := asBytes(fields[2])
		marker, ok4 := asBytes(fields[3])
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return nil, nil, errors.E(op, errors.SafeFormat, errors.Str("malformed block field"))
		}
		blocks[i] = &block.Block{
			C1:     bigint.Decode(c1),
			C2:     bigint.Decode(c2),
			PubKey: bigint.Decode(pub),
			Marker: marker,
		}
	}

	return c, blocks, nil
}

func ksToMap(p *keystretch.Params) map[string]interface{} {
	m := map[string]interface{}{
		"type": p.Type,
		"salt": p.Salt,
	}
	switch p.Type {
	case keystretch.TypeArgon2id:
		m["time"] = p.Time
		m["mem-kib"] = p.MemKiB
		m["threads"] = p.Threads
	case keystretch.TypeScrypt:
		m["log-n"] = p.LogN
	}
	return m
}

func ksFromMap(m map[string]interface{}) (*keystretch.Params, error) {
	const op = "safe.ksFromMap"
	typ, ok := asString(m["type"])
	if !ok {
		return nil, errors.E(op, errors.SafeFormat, errors.Str("missing key-stretching type"))
	}
	salt, ok := asBytes(m["salt"])
	if !ok {
		return nil, errors.E(op, errors.SafeFormat, errors.Str("missing key-stretching salt"))
	}
	p := &keystretch.Params{Type: typ, Salt: salt}
	switch typ {
	case keystretch.TypeArgon2id:
		t, _ := asInt(m["time"])
		mem, _ := asInt(m["mem-kib"])
		thr, _ := asInt(m["threads"])
		p.Time = uint32(t)
		p.MemKiB = uint32(mem)
		p.Threads = uint8(thr)
	case keystretch.TypeScrypt:
		logN, _ := asInt(m["log-n"])
		p.LogN = uint8(logN)
	default:
		return nil, errors.E(op, errors.SafeFormat, errors.Str("unknown key-stretching type"))
	}
	return p, nil
}

func normalizeMap(m map[interface{}]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		ks, ok := asString(k)
		if !ok {
			continue
		}
		out[ks] = v
	}
	return out
}

func asString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	}
	return "", false
}

func asBytes(v interface{}) ([]byte, bool) {
	switch x := v.(type) {
	case []byte:
		return x, true
	case string:
		return []byte(x), true
	case nil:
		return nil, true
	}
	return nil, false
}

func asInt(v interface{}) (int, error) {
	switch x := v.(type) {
	case int64:
		return int(x), nil
	case uint64:
		return int(x), nil
	case int:
		return int(x), nil
	case uint32:
		return int(x), nil
	case int32:
		return int(x), nil
	case uint8:
		return int(x), nil
	}
	return 0, errors.E(errors.SafeFormat, errors.Str("expected integer field"))
}
