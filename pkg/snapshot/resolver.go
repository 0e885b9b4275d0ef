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
	"expvar"

	"github.com/golang/groupcache/singleflight"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var facetsComputed = expvar.NewInt("snapshot.facets.computed")

// ErrNoProvider is returned when the facet is absent and can't be computed.
var ErrNoProvider = errors.New("no facet provider")

// Provider computes facets from the memory image backing the snapshot.
type Provider interface {
	Compute(ctx context.Context, s *Snapshot, facet string, opts map[string]any) (*Facet, error)
}

// ProviderFunc adapts the function to the Provider interface.
type ProviderFunc func(ctx context.Context, s *Snapshot, facet string, opts map[string]any) (*Facet, error)

// Compute calls f.
func (f ProviderFunc) Compute(ctx context.Context, s *Snapshot, facet string, opts map[string]any) (*Facet, error) {
	return f(ctx, s, facet, opts)
}

// Resolver fills in the facets a diff depends on. Every facet is computed
// at most once per snapshot object, and concurrent requests for the same
// facet share a single computation.
type Resolver struct {
	provider Provider
	group    singleflight.Group
}

// NewResolver creates the resolver backed by the provider. A nil provider
// only resolves facets already present in snapshots.
func NewResolver(p Provider) *Resolver {
	return &Resolver{provider: p}
}

// Resolve computes each dependency absent from the snapshot and returns the
// augmented snapshot.
func (r *Resolver) Resolve(ctx context.Context, s *Snapshot, deps []string, opts map[string]any) (*Snapshot, error) {
	for _, dep := range deps {
		if s.Has(dep) {
			continue
		}
		if r.provider == nil {
			return s, errors.Wrapf(ErrNoProvider, "facet %s is absent from snapshot %s", dep, s.ID())
		}
		dep := dep
		_, err := r.group.Do(s.ID()+"/"+dep, func() (interface{}, error) {
			// a concurrent caller may have finished in the meantime
			if f, ok := s.Facet(dep); ok {
				return f, nil
			}
			log.Debugf("computing facet %s of %s", dep, s.Source())
			f, err := r.provider.Compute(ctx, s, dep, opts)
			if err != nil {
				return nil, err
			}
			if f == nil {
				f = &Facet{}
			}
			if f.Config == nil {
				f.Config = opts
			}
			s.Set(dep, f)
			facetsComputed.Add(1)
			return f, nil
		})
		if err != nil {
			return s, errors.Wrapf(err, "unable to compute facet %s", dep)
		}
	}
	return s, nil
}
