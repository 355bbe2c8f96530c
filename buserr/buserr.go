/*
Copyright (c) Facebook, Inc. and its affiliates.

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

// Package buserr collects the sentinel errors the rest of the module
// wraps with fmt.Errorf("...: %w", ...) so callers can discriminate
// failure classes with errors.Is/errors.As instead of string matching.
package buserr

import "errors"

// Transport errors.
var (
	ErrRemoteDisconnect = errors.New("remote disconnected")
	ErrLocalDisconnect  = errors.New("local disconnect")
	ErrTransportIO      = errors.New("transport i/o error")
)

// Authentication errors.
var ErrAuthFailed = errors.New("authentication failed")

// Marshalling errors.
var (
	ErrMalformedMessage  = errors.New("malformed message")
	ErrSignatureTooLong  = errors.New("signature too long")
	ErrNestingTooDeep    = errors.New("nesting too deep")
	ErrInvalidString     = errors.New("invalid string")
	ErrInvalidObjectPath = errors.New("invalid object path")
)

// Request lifecycle errors.
var (
	ErrTimeout              = errors.New("request timed out")
	ErrDetachedPendingReply = errors.New("pending reply detached before completion")
	ErrSendFailed           = errors.New("send failed")
)

// RemoteError wraps an error reply received from a peer: an
// Error-typed Message carrying an error name and, usually, a
// human-readable message as the first string argument of its body.
type RemoteError struct {
	Name string
	Body []any
}

func (e *RemoteError) Error() string {
	if len(e.Body) > 0 {
		if msg, ok := e.Body[0].(string); ok {
			return e.Name + ": " + msg
		}
	}
	return e.Name
}
