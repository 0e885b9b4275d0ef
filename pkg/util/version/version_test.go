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

package version

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	v := New("1.4.2", "a1b2c3", "2026-10-19")
	assert.Equal(t, int64(1), v.Major)
	assert.Equal(t, int64(4), v.Minor)
	assert.Equal(t, "1.4.2", v.String())
	assert.Equal(t, "dev", New("", "", "").String())
	assert.Panics(t, func() { New("1.4", "", "") })

	var buf bytes.Buffer
	v.Render(&buf)
	assert.Contains(t, buf.String(), "a1b2c3")
}

func TestSatisfies(t *testing.T) {
	ok, err := Satisfies("1.4.2", ">= 1.0, < 2.0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Satisfies("2.1.0", ">= 1.0, < 2.0")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Satisfies("dev", "< 0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = Satisfies("x.y", ">= 1.0")
	require.Error(t, err)
}
