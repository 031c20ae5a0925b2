// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package errors

import (
	"strings"
	"testing"
)

func TestKindPropagates(t *testing.T) {
	inner := E("block.Decrypt", WrongKey)
	outer := E("slice.Load", inner)
	if !Is(WrongKey, outer) {
		t.Fatalf("WrongKey did not propagate through nesting: %v", outer)
	}
	if Is(SafeFull, outer) {
		t.Fatalf("unrelated kind matched: %v", outer)
	}
}

func TestOuterKindWins(t *testing.T) {
	inner := E("block.Decrypt", WrongKey)
	outer := E("safe.Open", SafeFormat, inner)
	if !Is(SafeFormat, outer) {
		t.Fatalf("outer kind lost: %v", outer)
	}
}

func TestErrorText(t *testing.T) {
	err := E("slice.Store", SafeFull)
	s := err.Error()
	if !strings.Contains(s, "slice.Store") || !strings.Contains(s, "safe full") {
		t.Fatalf("unexpected error text %q", s)
	}
}

func TestBlockAnnotation(t *testing.T) {
	err := WithBlock(E("block.Decrypt", WrongKey), 17)
	if !strings.Contains(err.Error(), "block 17") {
		t.Fatalf("block index missing from %q", err.Error())
	}
}

func TestNonErrorIsFalse(t *testing.T) {
	if Is(WrongKey, Str("plain")) {
		t.Fatalf("plain error matched a kind")
	}
}
