// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package worker implements the coarse-grained data-parallel executor
// used for block rerandomization, parallel block decryption within a
// slice, and safe-prime search. There is no asynchronous I/O anywhere
// in the storage core; this is the only place concurrency is allowed,
// and it is always a fork-join: a worker pool processes a disjoint
// partition of the work and the caller blocks until every worker has
// finished or one of them has found what it was looking for.
package worker

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers returns a sensible worker count for this machine,
// capped because rerandomization passes are memory-bound, not CPU
// throughput limited, past a modest number of workers.
func DefaultWorkers() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	if n > 8 {
		n = 8
	}
	return n
}

// MapFunc processes a single chunk, identified by its starting offset
// into the original sequence, and returns the results for that chunk
// in order.
type MapFunc func(ctx context.Context, offset int, chunk []interface{}) ([]interface{}, error)

// ParallelMap partitions seq into chunks of chunkSize elements,
// distributes them across workers goroutines and returns a slice of
// results with the same length and order as seq. If any chunk returns
// an error, ParallelMap cancels the remaining work and returns that
// error; the first error encountered wins.
func ParallelMap(ctx context.Context, seq []interface{}, f MapFunc, chunkSize, workers int) ([]interface{}, error) {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	if workers <= 0 {
		workers = DefaultWorkers()
	}

	n := len(seq)
	results := make([]interface{}, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for offset := 0; offset < n; offset += chunkSize {
		offset := offset
		end := offset + chunkSize
		if end > n {
			end = n
		}
		chunk := seq[offset:end]
		g.Go(func() error {
			out, err := f(gctx, offset, chunk)
			if err != nil {
				return err
			}
			copy(results[offset:end], out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// TryFunc is a candidate-generating function run independently by
// every worker, e.g. "sample a random prime and test it". A nil
// result means "try again"; ParallelTry treats the first non-nil
// result from any worker as the answer and cancels the rest.
type TryFunc func(ctx context.Context, workerID int) (interface{}, error)

// ParallelTry spawns workers goroutines, each looping on f until it
// returns a non-nil value or ctx is cancelled. The first worker to
// produce a non-nil value wins; ParallelTry cancels the others and
// returns that value. This is used for safe-prime search, where many
// independent samples are tried and the first successful one matters.
func ParallelTry(ctx context.Context, f TryFunc, workers int) (interface{}, error) {
	if workers <= 0 {
		workers = DefaultWorkers()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type answer struct {
		val interface{}
		err error
	}
	results := make(chan answer, workers)

	for w := 0; w < workers; w++ {
		w := w
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				val, err := f(ctx, w)
				if err != nil {
					select {
					case results <- answer{nil, err}:
					case <-ctx.Done():
					}
					return
				}
				if val != nil {
					select {
					case results <- answer{val, nil}:
					case <-ctx.Done():
					}
					return
				}
			}
		}()
	}

	select {
	case a := <-results:
		cancel()
		return a.val, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
