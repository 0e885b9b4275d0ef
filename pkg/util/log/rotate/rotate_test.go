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

package rotate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHook(t *testing.T) {
	_, err := NewHook(Config{})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "session.log")
	hook, err := NewHook(Config{Filename: file, Level: logrus.WarnLevel})
	require.NoError(t, err)
	assert.Equal(t, []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}, hook.Levels())

	logger := logrus.New()
	require.NoError(t, hook.Fire(logrus.NewEntry(logger).WithField("api", "NtCreateMutant")))

	b, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(b), "NtCreateMutant")
	assert.Contains(t, string(b), "source")
}
