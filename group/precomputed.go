// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package group

import "math/big"

// precomputed1024Hex is the RFC 2409 (Oakley Group 2) 1024-bit MODP
// prime. It is a safe prime -- p = 2q+1 with q prime -- generated by a
// standards body rather than by this package's own (expensive) search,
// which is the only reason it is useful here: tests and examples that
// need a real group but cannot afford a multi-second prime search at
// every run can use it instead of paying for GenerateSafe.
const precomputed1024Hex = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74" +
	"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437" +
	"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05" +
	"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB" +
	"9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718" +
	"3995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"

// Precomputed1024 returns the group parameters built on the
// precomputed RFC 2409 Oakley Group 2 safe prime, with generator 2.
// It is substantially cheaper to obtain than GenerateSafe and is
// intended for tests and for safes created with precomputed group
// parameters rather than a freshly searched prime.
func Precomputed1024() *Group {
	p, ok := new(big.Int).SetString(precomputed1024Hex, 16)
	if !ok {
		panic("group: malformed precomputed prime")
	}
	return &Group{P: p, G: big.NewInt(2)}
}
