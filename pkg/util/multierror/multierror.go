/*
 * Copyright 2019-2020 by Nedim Sabic Sabic
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

package multierror

import (
	"strings"
)

// Error joins multiple errors into a single error.
type Error struct {
	errs []error
}

// Wrap returns the error wrapping all non-nil errors, or nil if there are none.
// A single error is returned as is.
func Wrap(errs ...error) error {
	var e Error
	for _, err := range errs {
		if err != nil {
			e.errs = append(e.errs, err)
		}
	}
	switch len(e.errs) {
	case 0:
		return nil
	case 1:
		return e.errs[0]
	}
	return &e
}

// Error returns the messages of all wrapped errors.
func (e *Error) Error() string {
	msgs := make([]string, len(e.errs))
	for i, err := range e.errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Unwrap returns the wrapped errors.
func (e *Error) Unwrap() []error { return e.errs }
