// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package herr defines the error kinds used across haku's control plane
// and runner, per the error handling design: every error is one *Error
// value tagged with a Kind, so callers extract it with errors.As and switch
// on its Kind field instead of matching strings.
package herr

import "fmt"

// Kind identifies which of the documented error categories an error
// belongs to.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindStore             Kind = "store"
	KindRunnerUnreachable Kind = "runner_unreachable"
	KindDispatchFailure   Kind = "dispatch_failure"
	KindEngine            Kind = "engine"
	KindSync              Kind = "sync"
	KindNotFound          Kind = "not_found"
	KindIllegalTransition Kind = "illegal_transition"
	KindRelaySession      Kind = "relay_session"
)

// Error is a kinded error carrying an optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Validation(op, msg string) *Error { return New(KindValidation, op, msg) }

func Store(op string, err error) *Error {
	return Wrap(KindStore, op, "store operation failed", err)
}

func NotFound(op, msg string) *Error { return New(KindNotFound, op, msg) }

func Engine(op string, err error) *Error {
	return Wrap(KindEngine, op, "container engine operation failed", err)
}

func Sync(op, msg string, err error) *Error {
	return Wrap(KindSync, op, msg, err)
}

func RelaySession(op, msg string) *Error { return New(KindRelaySession, op, msg) }

func DispatchFailure(op, msg string) *Error { return New(KindDispatchFailure, op, msg) }

func RunnerUnreachable(op string, err error) *Error {
	return Wrap(KindRunnerUnreachable, op, "runner unreachable", err)
}
