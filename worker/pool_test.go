// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package worker

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/bwesterb/pol/errors"
)

func TestParallelMapPreservesOrder(t *testing.T) {
	seq := make([]interface{}, 100)
	for i := range seq {
		seq[i] = i
	}
	out, err := ParallelMap(context.Background(), seq, func(ctx context.Context, offset int, chunk []interface{}) ([]interface{}, error) {
		results := make([]interface{}, len(chunk))
		for i, item := range chunk {
			results[i] = item.(int) * 2
		}
		return results, nil
	}, 7, 4)
	if err != nil {
		t.Fatalf("ParallelMap: %v", err)
	}
	for i, v := range out {
		if v.(int) != 2*i {
			t.Fatalf("out[%d] = %v, want %d", i, v, 2*i)
		}
	}
}

func TestParallelMapEmpty(t *testing.T) {
	out, err := ParallelMap(context.Background(), nil, func(ctx context.Context, offset int, chunk []interface{}) ([]interface{}, error) {
		t.Fatalf("callback invoked for empty input")
		return nil, nil
	}, 16, 2)
	if err != nil {
		t.Fatalf("ParallelMap: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("got %d results for empty input", len(out))
	}
}

func TestParallelMapPropagatesError(t *testing.T) {
	seq := make([]interface{}, 32)
	for i := range seq {
		seq[i] = i
	}
	wantErr := errors.E("test", errors.SafeFormat)
	_, err := ParallelMap(context.Background(), seq, func(ctx context.Context, offset int, chunk []interface{}) ([]interface{}, error) {
		if offset >= 16 {
			return nil, wantErr
		}
		return chunk, nil
	}, 4, 4)
	if !errors.Is(errors.SafeFormat, err) {
		t.Fatalf("expected SafeFormat, got %v", err)
	}
}

func TestParallelTryFindsAnswer(t *testing.T) {
	var calls int64
	got, err := ParallelTry(context.Background(), func(ctx context.Context, workerID int) (interface{}, error) {
		if atomic.AddInt64(&calls, 1) < 10 {
			return nil, nil // keep trying
		}
		return "found", nil
	}, 4)
	if err != nil {
		t.Fatalf("ParallelTry: %v", err)
	}
	if got.(string) != "found" {
		t.Fatalf("got %v", got)
	}
}

func TestParallelTryPropagatesError(t *testing.T) {
	wantErr := errors.Str("entropy exhausted")
	_, err := ParallelTry(context.Background(), func(ctx context.Context, workerID int) (interface{}, error) {
		return nil, wantErr
	}, 2)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestParallelTryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ParallelTry(ctx, func(ctx context.Context, workerID int) (interface{}, error) {
		return nil, nil // never finds anything
	}, 2)
	if err == nil {
		t.Fatalf("expected context error")
	}
}
