// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package macho parses Mach-O images from files, memory buffers and the
// address space of running processes.
//
// Mach-O header data structures
// Archived copy at:
// https://web.archive.org/web/20090819232456/http://developer.apple.com/documentation/DeveloperTools/Conceptual/MachORuntime/index.html
// For cloned PDF see:
// https://github.com/aidansteele/osx-abi-macho-file-format-reference
package macho

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/appsworld/mtool/types"
)

var (
	// ErrMalformedImage is the kind of every structural decode failure.
	ErrMalformedImage = errors.New("malformed mach-o image")
	// ErrTruncatedImage is returned when a header or load command reaches past the bound of its source.
	ErrTruncatedImage = errors.New("truncated mach-o image")
)

// FormatError is returned by some operations if the data does
// not have the correct format for an object file.
type FormatError struct {
	off  int64
	msg  string
	val  interface{}
	kind error
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

// Unwrap returns ErrMalformedImage or ErrTruncatedImage.
func (e *FormatError) Unwrap() error {
	if e.kind == nil {
		return ErrMalformedImage
	}
	return e.kind
}

// Offset returns the image relative offset the error refers to.
func (e *FormatError) Offset() int64 { return e.off }

func malformed(off int64, msg string, val interface{}) error {
	return &FormatError{off: off, msg: msg, val: val, kind: ErrMalformedImage}
}

func truncated(off int64, msg string, val interface{}) error {
	return &FormatError{off: off, msg: msg, val: val, kind: ErrTruncatedImage}
}

// ImageKind is the closed set of image types the model distinguishes.
type ImageKind int

const (
	Other ImageKind = iota
	Executable
	DynamicLibrary
	DynamicLinker
	ObjectFile
	FileSet
)

func (k ImageKind) String() string {
	switch k {
	case Executable:
		return "executable"
	case DynamicLibrary:
		return "dynamic library"
	case DynamicLinker:
		return "dynamic linker"
	case ObjectFile:
		return "object file"
	case FileSet:
		return "fileset"
	}
	return "other"
}

func imageKind(t types.HeaderFileType) ImageKind {
	switch t {
	case types.MH_EXECUTE:
		return Executable
	case types.MH_DYLIB, types.MH_DYLIB_STUB:
		return DynamicLibrary
	case types.MH_DYLINKER:
		return DynamicLinker
	case types.MH_OBJECT:
		return ObjectFile
	case types.MH_FILESET:
		return FileSet
	}
	return Other
}
