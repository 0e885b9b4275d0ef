/*
 * Copyright 2020-2021 by Nedim Sabic Sabic
 * https://www.fibratus.io
 * All Rights Reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrProtocolDesync signals the stream framing can no longer be trusted. There is no
	// resynchronization marker in any of the protocols, so the decoding session is over.
	ErrProtocolDesync = errors.New("protocol out of sync")
	// ErrLengthOutOfRange is returned when a string or buffer declares a length beyond the allowed bound.
	ErrLengthOutOfRange = errors.New("declared length out of range")
	// ErrMessageTooLarge is returned when a self-describing message exceeds the maximum message length.
	ErrMessageTooLarge = errors.New("message larger than max message length")
	// ErrSchemaMissing is returned when an API call references an index that was never explained by an info message.
	ErrSchemaMissing = errors.New("api index has no registered schema")
	// ErrArgumentCountMismatch is returned when the number of call arguments differs from the schema.
	ErrArgumentCountMismatch = errors.New("inconsistent argument count")
	// ErrUnrecognizedFormatSpecifier is returned when the legacy table references an unknown format letter.
	ErrUnrecognizedFormatSpecifier = errors.New("no handler for format specifier")
	// ErrSessionAlreadySuspended is returned when a suspension is requested while another one is outstanding.
	ErrSessionAlreadySuspended = errors.New("monitored execution is already suspended")
	// ErrSuspendTimeout is returned when the suspended execution is resumed because nobody released it in time.
	ErrSuspendTimeout = errors.New("suspension was not released within the allowed time")

	// ErrUnknownProtocol is returned when the session can't resolve the protocol spoken by the agent
	ErrUnknownProtocol = func(s string) error {
		return fmt.Errorf("%q is not a known agent protocol", s)
	}
	// ErrHTTPServerUnavailable signals that the HTTP server is not running on the specified transport
	ErrHTTPServerUnavailable = func(transport string, err error) error {
		return fmt.Errorf("sandtrap API server up and running on %s? %v", transport, err)
	}
)

// ErrParamNotFound is thrown when a parameter is not present in the list of event parameters
type ErrParamNotFound struct {
	Name string
}

// Error returns the error message.
func (e ErrParamNotFound) Error() string {
	return "couldn't find " + e.Name + " in event parameters"
}

// Desync wraps the cause of a protocol desynchronization so that IsSessionFatal recognizes it.
func Desync(format string, args ...any) error {
	return errors.Wrapf(ErrProtocolDesync, format, args...)
}

// IsSessionFatal determines if the error terminates the decoding session.
func IsSessionFatal(err error) bool {
	switch errors.Cause(err) {
	case ErrProtocolDesync, ErrLengthOutOfRange, ErrMessageTooLarge:
		return true
	}
	return false
}

// IsRecoverable returns true for message-local errors after which decoding continues.
func IsRecoverable(err error) bool {
	switch errors.Cause(err) {
	case ErrSchemaMissing, ErrArgumentCountMismatch, ErrUnrecognizedFormatSpecifier:
		return true
	}
	return false
}

// IsParamNotFound returns true if the error is ErrParamNotFound.
func IsParamNotFound(err error) bool {
	switch errors.Cause(err).(type) {
	case *ErrParamNotFound, ErrParamNotFound:
		return true
	default:
		return false
	}
}
