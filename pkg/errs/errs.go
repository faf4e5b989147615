/*
Copyright 2024 The Dropwire Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errs defines dropwire's error-kind taxonomy (spec §7) as
// github.com/zeebo/errs classes, so callers can classify a failure with
// Class.Has rather than string-matching messages.
package errs

import "github.com/zeebo/errs"

// The six error kinds named in the specification. They are classes, not
// concrete error types: wrap the underlying cause with New or Wrap and the
// class survives fmt.Errorf-style %w unwrapping.
var (
	// Input covers a bad path, a CWD-equal-to-source path, an invalid
	// ticket string, an illegal name separator, or an export target that
	// already exists.
	Input = errs.Class("input")

	// Transport covers a failed connect, an unreachable relay, a stream
	// decode failure, a peer-aborted request, or a failed close handshake.
	Transport = errs.Class("transport")

	// Storage covers a scratch directory that can't be created, and any
	// ingest/outboard/export I/O failure.
	Storage = errs.Class("storage")

	// Resource covers endpoint bind failure, an online-wait timeout, or a
	// shutdown timeout. Resource errors are fatal to the owning session.
	Resource = errs.Class("resource")

	// Protocol covers a hash-sequence exceeding max-size, a chunk failing
	// Merkle verification, or a malformed request.
	Protocol = errs.Class("protocol")

	// Cancelled covers a user- or host-requested termination.
	Cancelled = errs.Class("cancelled")
)

// Is reports whether err (or anything it wraps) belongs to class c.
func Is(c errs.Class, err error) bool {
	return c.Has(err)
}

// TargetExists is the Input-class error an export aborts with when one
// of its destination paths is already occupied.
func TargetExists(path string) error {
	return Input.New("export target already exists: %s", path)
}
