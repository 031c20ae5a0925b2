// Copyright 2024 The pol Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errors defines the error handling used by all pol packages.
package errors

import (
	"bytes"
	"fmt"
	"runtime"

	"github.com/bwesterb/pol/log"
)

// Error is the type that implements the error interface.
// It contains a number of fields, each of different type.
// An Error value may leave some values unset.
type Error struct {
	// Op is the operation being performed, usually the name of the
	// method being invoked (Decrypt, Store, Open, ...).
	Op string
	// Block is the block index involved, if any. Negative means unset.
	Block int
	// Slice is the first-block index of the slice involved, if any.
	// Negative means unset.
	Slice int
	// Kind is the class of error, such as WrongKey or SafeFull, or
	// Other if its class is unknown or irrelevant.
	Kind Kind
	// The underlying error that triggered this one, if any.
	Err error
}

// Kind defines the kind of error this is, so that callers can
// distinguish load-bearing recoverable errors (WrongKey) from fatal
// ones without parsing strings.
type Kind uint8

// Kinds of errors, per the error taxonomy.
const (
	Other             Kind = iota // Unclassified error.
	WrongKey                      // Block marker or stream-header mismatch.
	MissingKey                    // Operation requires higher access than held.
	SafeFull                      // Free set too small for requested slice.
	SafeLocked                    // File lock held by another process.
	WrongMagic                    // File header mismatch.
	SafeFormat                    // Inconsistent packed structure.
	SafeNotFound                  // Path precondition: safe does not exist.
	SafeAlreadyExists             // Path precondition: safe already exists.
	Invalid                       // Invalid argument or operation.
	IO                            // Underlying I/O error.
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "error"
	case WrongKey:
		return "wrong key"
	case MissingKey:
		return "missing key"
	case SafeFull:
		return "safe full"
	case SafeLocked:
		return "safe locked"
	case WrongMagic:
		return "wrong magic"
	case SafeFormat:
		return "corrupt safe format"
	case SafeNotFound:
		return "safe not found"
	case SafeAlreadyExists:
		return "safe already exists"
	case Invalid:
		return "invalid operation"
	case IO:
		return "I/O error"
	}
	return "unknown error kind"
}

var zeroErr Error

// E builds an error value from its arguments.
// The type of each argument determines its meaning. If more than one
// argument of a given type is presented, only the last one is recorded.
//
// The types are:
//
//	string
//		The operation being performed, usually the method being invoked.
//	errors.Kind
//		The class of error, such as a wrong-key failure.
//	error
//		The underlying error that triggered this one.
//
// If Kind is not specified or Other, it is set to the Kind of the
// underlying error, if any.
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	e := &Error{Block: -1, Slice: -1}
	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			e.Op = arg
		case Kind:
			e.Kind = arg
		case *Error:
			cp := *arg
			e.Err = &cp
		case error:
			e.Err = arg
		default:
			_, file, line, _ := runtime.Caller(1)
			log.Error.Printf("errors.E: bad call from %s:%d: %v", file, line, args)
			return Errorf("unknown type %T, value %v in error call", arg, arg)
		}
	}
	prev, ok := e.Err.(*Error)
	if !ok {
		return e
	}
	if prev.Kind == e.Kind {
		prev.Kind = Other
	}
	if e.Kind == Other {
		e.Kind = prev.Kind
		prev.Kind = Other
	}
	return e
}

// WithBlock annotates err, if it is an *Error, with a block index.
func WithBlock(err error, index int) error {
	if e, ok := err.(*Error); ok {
		e.Block = index
	}
	return err
}

// WithSlice annotates err, if it is an *Error, with a slice's first index.
func WithSlice(err error, index int) error {
	if e, ok := err.(*Error); ok {
		e.Slice = index
	}
	return err
}

func pad(b *bytes.Buffer, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

func (e *Error) Error() string {
	b := new(bytes.Buffer)
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Block >= 0 {
		pad(b, ": ")
		fmt.Fprintf(b, "block %d", e.Block)
	}
	if e.Slice >= 0 {
		pad(b, ": ")
		fmt.Fprintf(b, "slice %d", e.Slice)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		if prevErr, ok := e.Err.(*Error); ok {
			if *prevErr != zeroErr {
				pad(b, ":\n\t")
				b.WriteString(e.Err.Error())
			}
		} else {
			pad(b, ": ")
			b.WriteString(e.Err.Error())
		}
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// Unwrap allows errors.Is / errors.As to see through an *Error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether err (or an error wrapped by it) carries the given Kind.
func Is(kind Kind, err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	if e.Kind != Other {
		return e.Kind == kind
	}
	if e.Err != nil {
		return Is(kind, e.Err)
	}
	return false
}

// Str returns an error that formats as the given text. It is intended
// to be used as the error-typed argument to the E function.
func Str(text string) error {
	return &errorString{text}
}

type errorString struct {
	s string
}

func (e *errorString) Error() string {
	return e.s
}

// Errorf is equivalent to fmt.Errorf, but returns a value suitable for
// passing to E.
func Errorf(format string, args ...interface{}) error {
	return &errorString{fmt.Sprintf(format, args...)}
}
