// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package group

import (
	"context"
	"crypto/rand"
	"math/big"

	"github.com/bwesterb/pol/errors"
	"github.com/bwesterb/pol/worker"
)

// GenerateSafe searches for a new safe prime P = 2Q+1 of the given bit
// size, with Q itself prime, and returns a Group with a generator G of
// the order-Q subgroup. Candidates are sampled independently by a
// worker pool (worker.ParallelTry); whichever worker finds a safe
// prime first wins and the rest are cancelled. This is by far the
// most CPU-expensive operation in the package and is why a safe's
// group parameters, once generated, are reused for its entire
// lifetime rather than refreshed on every write.
func GenerateSafe(ctx context.Context, bits int, workers int) (*Group, error) {
	const op = "group.GenerateSafe"
	if bits < 256 {
		return nil, errors.E(op, errors.Invalid, errors.Str("prime too small to be safe"))
	}

	result, err := worker.ParallelTry(ctx, func(ctx context.Context, workerID int) (interface{}, error) {
		q, err := rand.Prime(rand.Reader, bits-1)
		if err != nil {
			return nil, errors.E(op, errors.IO, err)
		}
		p := new(big.Int).Lsh(q, 1)
		p.Add(p, one)
		if !p.ProbablyPrime(20) {
			return nil, nil
		}
		return q, nil
	}, workers)
	if err != nil {
		return nil, err
	}
	q := result.(*big.Int)
	p := new(big.Int).Lsh(q, 1)
	p.Add(p, one)

	g, err := findGenerator(p, q)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return &Group{P: p, G: g}, nil
}

// findGenerator returns a generator of the order-Q subgroup of
// (Z/PZ)* where P = 2Q+1. Any quadratic residue other than 1 works:
// for h in [2, P), g = h^2 mod P has order Q unless h^2 == 1.
func findGenerator(p, q *big.Int) (*big.Int, error) {
	for h := big.NewInt(2); h.Cmp(p) < 0; h.Add(h, one) {
		g := new(big.Int).Exp(h, two, p)
		if g.Cmp(one) != 0 {
			return g, nil
		}
	}
	return nil, errors.Str("no generator found")
}
