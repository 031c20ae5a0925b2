// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package son implements the self-describing payload framing used for
// every inner structure in a safe: access tuples, the main slice tuple,
// the append slice tuple and the packed secrets tuple. A SON value is a
// nested mapping of byte-string keys to byte strings, integers, bools,
// lists or further mappings, msgpack-encoded and optionally deflated.
//
// The framing is one byte, FormatRaw or FormatDeflate, followed by the
// packed value; the writer always picks whichever of the two is
// shorter. Callers holding a structural secret (access-slice tuples)
// should call EncodeUncompressed instead, since the compressed length
// of a value is itself a signal an adversary can observe once a block
// has been rerandomized to disk; access-slice plaintexts are fixed
// shape already so there's nothing to gain from trying to compress
// them, and doing so risks the one format accidentally distinguishing
// roles.
package son

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/bwesterb/pol/errors"
)

// Format is the one-byte framing tag prefixed to every SON payload.
type Format byte

const (
	FormatRaw     Format = 0x00
	FormatDeflate Format = 0x01
)

var mh = &codec.MsgpackHandle{
	RawToString: false,
}

func init() {
	mh.WriteExt = true
}

// Marshal packs v with msgpack and returns the shorter of the raw and
// deflate-compressed encodings, each prefixed with its Format byte.
func Marshal(v interface{}) ([]byte, error) {
	const op = "son.Marshal"
	var raw bytes.Buffer
	enc := codec.NewEncoder(&raw, mh)
	if err := enc.Encode(v); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}

	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.BestCompression)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if _, err := fw.Write(raw.Bytes()); err != nil {
		return nil, errors.E(op, err)
	}
	if err := fw.Close(); err != nil {
		return nil, errors.E(op, err)
	}

	if compressed.Len() < raw.Len() {
		out := make([]byte, 0, compressed.Len()+1)
		out = append(out, byte(FormatDeflate))
		out = append(out, compressed.Bytes()...)
		return out, nil
	}
	out := make([]byte, 0, raw.Len()+1)
	out = append(out, byte(FormatRaw))
	out = append(out, raw.Bytes()...)
	return out, nil
}

// MarshalUncompressed packs v with msgpack and always uses FormatRaw,
// for values such as access-slice tuples whose structural shape must
// not vary with how well they happen to compress.
func MarshalUncompressed(v interface{}) ([]byte, error) {
	const op = "son.MarshalUncompressed"
	var raw bytes.Buffer
	enc := codec.NewEncoder(&raw, mh)
	if err := enc.Encode(v); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	out := make([]byte, 0, raw.Len()+1)
	out = append(out, byte(FormatRaw))
	out = append(out, raw.Bytes()...)
	return out, nil
}

// Unmarshal undoes Marshal/MarshalUncompressed and decodes into v,
// which should be a pointer as with any codec.Decoder target.
func Unmarshal(b []byte, v interface{}) error {
	const op = "son.Unmarshal"
	if len(b) == 0 {
		return errors.E(op, errors.SafeFormat, errors.Str("empty SON payload"))
	}
	format := Format(b[0])
	body := b[1:]

	var r io.Reader
	switch format {
	case FormatRaw:
		r = bytes.NewReader(body)
	case FormatDeflate:
		r = flate.NewReader(bytes.NewReader(body))
	default:
		return errors.E(op, errors.SafeFormat, errors.Str("unknown SON format byte"))
	}

	dec := codec.NewDecoder(r, mh)
	if err := dec.Decode(v); err != nil {
		return errors.E(op, errors.SafeFormat, err)
	}
	return nil
}
