// Copyright 2024 The taskhub.io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package qerrors defines the error kinds surfaced to callers of the queue
// operations. Everything else bubbles up wrapped as an internal error.
package qerrors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInputError    Kind = "InputError"    // definition fails validation, not retryable
	KindNotFound      Kind = "ResourceNotFound"
	KindConflict      Kind = "RequestConflict"
	KindAuthorization Kind = "AuthorizationError"
	KindInternal      Kind = "InternalError"
)

type Error struct {
	Kind    Kind
	Message string
	// Details carries structured context, e.g. both definitions on an
	// idempotency conflict.
	Details map[string]interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) WithDetail(key string, val interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = val
	return e
}

func NewInputError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInputError, Message: fmt.Sprintf(format, args...)}
}

func NewNotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func NewConflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func NewAuthorization(format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

func NewInternal(err error) *Error {
	return &Error{Kind: KindInternal, Message: err.Error()}
}

func KindOf(err error) Kind {
	e := &Error{}
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsInputError(err error) bool    { return KindOf(err) == KindInputError }
func IsNotFound(err error) bool      { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool      { return KindOf(err) == KindConflict }
func IsAuthorization(err error) bool { return KindOf(err) == KindAuthorization }
