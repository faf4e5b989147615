/*
Copyright 2024 The Dropwire Authors.

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

package store

import (
	"dropwire.dev/pkg/collection"
	dwerrs "dropwire.dev/pkg/errs"
)

// LocalView reports how much of a collection's content is already
// present locally against the sizes already learned from the provider's
// hash-sequence header. It is the resumption aggregate the spec's
// Resumption paragraph describes: a receiver consults it before and
// during execute_get to skip work it has already done, instead of
// re-fetching a collection from zero every call.
type LocalView struct {
	LocalBytes int64
	TotalBytes int64
}

// IsComplete reports whether every byte of the collection is already
// stored locally, so execute_get can be skipped entirely.
func (v LocalView) IsComplete() bool { return v.LocalBytes >= v.TotalBytes }

// LoadLocalView computes a LocalView for c against sizes, the
// hash-sequence sizes slice execute_get already requires (sizes[0] is
// the metadata blob, sizes[i+1] is c.Entries[i]'s size).
func (s *Store) LoadLocalView(c *collection.Collection, sizes []int64) (LocalView, error) {
	if len(sizes) != len(c.Entries)+1 {
		return LocalView{}, dwerrs.Protocol.New("store: hash-seq header reported %d sizes for %d entries", len(sizes), len(c.Entries))
	}
	var view LocalView
	for i, e := range c.Entries {
		size := sizes[i+1]
		view.TotalBytes += size
		local, err := s.localBytes(e.Hash, size)
		if err != nil {
			return LocalView{}, err
		}
		view.LocalBytes += local
	}
	return view, nil
}
