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

package filetime

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToEpoch(t *testing.T) {
	// 2014-03-10 12:00:00 UTC
	ft := FromUnix(1394452800)
	low, high := Split(ft)
	require.Equal(t, ft, Join(low, high))

	ts, err := ToEpoch(Join(low, high))
	require.NoError(t, err)
	assert.InDelta(t, 1394452800, float64(ts.UnixNano())/1e9, 1e-3)
	assert.True(t, math.Abs(ToUnix(ft)-1394452800) < 1e-3)
}

func TestToEpochOutOfRange(t *testing.T) {
	_, err := ToEpoch(math.MaxUint64)
	require.Error(t, err)
	_, err = FromSeconds(math.NaN())
	require.Error(t, err)
}
