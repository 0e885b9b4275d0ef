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

package snapshot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMemoizes(t *testing.T) {
	var calls int32
	p := ProviderFunc(func(ctx context.Context, s *Snapshot, facet string, opts map[string]any) (*Facet, error) {
		atomic.AddInt32(&calls, 1)
		return &Facet{Data: []Record{{"process_id": 4}}}, nil
	})
	r := NewResolver(p)
	s := New("infected.vmem")

	_, err := r.Resolve(context.Background(), s, []string{"pslist"}, map[string]any{"verbose": true})
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), s, []string{"pslist"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	f, ok := s.Facet("pslist")
	require.True(t, ok)
	assert.Equal(t, true, f.Config["verbose"])
	assert.Len(t, s.Records("pslist"), 1)

	// another snapshot object computes its own facet
	_, err = r.Resolve(context.Background(), New("clean.vmem"), []string{"pslist"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestResolveConcurrent(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	p := ProviderFunc(func(ctx context.Context, s *Snapshot, facet string, opts map[string]any) (*Facet, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &Facet{}, nil
	})
	r := NewResolver(p)
	s := New("infected.vmem")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), s, []string{"handles"}, nil)
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestResolveErrors(t *testing.T) {
	s := New("")
	_, err := NewResolver(nil).Resolve(context.Background(), s, []string{"pslist"}, nil)
	assert.True(t, errors.Is(err, ErrNoProvider))

	boom := errors.New("plugin crashed")
	p := ProviderFunc(func(ctx context.Context, s *Snapshot, facet string, opts map[string]any) (*Facet, error) {
		return nil, boom
	})
	_, err = NewResolver(p).Resolve(context.Background(), s, []string{"pslist"}, nil)
	assert.True(t, errors.Is(err, boom))
	assert.False(t, s.Has("pslist"))
}

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/snap/clean.json", []byte(`{
		"source": "/snap/clean.vmem",
		"facets": {"pslist": {"config": {}, "data": [{"process_id": 4, "process_name": "System"}]}}
	}`), 0644))
	require.NoError(t, afero.WriteFile(fs, "/snap/infected.yml", []byte(`
source: /snap/infected.vmem
facets:
  pslist:
    data:
      - process_id: 4
        process_name: System
      - process_id: 1337
        process_name: m.exe
  handles:
`), 0644))

	clean, err := Load(fs, "/snap/clean.json")
	require.NoError(t, err)
	assert.Equal(t, "/snap/clean.vmem", clean.Source())
	assert.Equal(t, []string{"pslist"}, clean.Names())
	assert.Equal(t, "System", clean.Records("pslist")[0]["process_name"])

	infected, err := Load(fs, "/snap/infected.yml")
	require.NoError(t, err)
	assert.Equal(t, []string{"handles", "pslist"}, infected.Names())
	assert.Len(t, infected.Records("pslist"), 2)
	assert.Empty(t, infected.Records("handles"))
	assert.NotEqual(t, clean.ID(), infected.ID())

	_, err = Load(fs, "/snap/missing.json")
	assert.Error(t, err)
	require.NoError(t, afero.WriteFile(fs, "/snap/bad.json", []byte(`{`), 0644))
	_, err = Load(fs, "/snap/bad.json")
	assert.Error(t, err)
}
