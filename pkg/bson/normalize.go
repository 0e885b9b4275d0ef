/*
 * Copyright 2021-2022 by Nedim Sabic Sabic
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

package bson

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Converter transforms the raw argument value into its final representation.
type Converter func(any) any

// converters maps the type letters of argument descriptors to their converters.
var converters = map[string]Converter{
	"p": Pointer,
}

// Normalize fixes the signedness of integer arguments. The wire format only
// knows signed integers while the agent reports unsigned 32-bit values, so
// negative integers get 2^32 added. Binary values are unwrapped into byte
// slices and everything else is returned as is.
func Normalize(v any) any {
	switch n := v.(type) {
	case int32:
		return fixSign(int64(n))
	case int64:
		return fixSign(n)
	case int:
		return fixSign(int64(n))
	case primitive.Binary:
		return n.Data
	}
	return v
}

// Pointer renders the normalized integer as zero padded hex.
func Pointer(v any) any {
	switch n := Normalize(v).(type) {
	case int64:
		return fmt.Sprintf("0x%08x", n)
	default:
		return n
	}
}

func fixSign(n int64) int64 {
	if n < 0 {
		return n + 0x100000000
	}
	return n
}
