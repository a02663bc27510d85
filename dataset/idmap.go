// Package dataset holds the user/item interaction data and feature tables
// consumed by the recommendation models in this repository.
//
// External entity ids are strings; internally every user and item is mapped
// to a dense int32 id starting at 0, so that the internal ids can double as
// row indices into embedding tables and feature matrices.
package dataset

import (
	"github.com/pkg/errors"
)

// IdMap is a bidirectional mapping between external (string) ids and dense
// internal (int32) ids. Internal ids are assigned in insertion order.
type IdMap struct {
	toInternal map[string]int32
	toExternal []string
}

// NewIdMap creates an IdMap from the given external ids, assigning internal
// ids 0, 1, 2, ... in order of first appearance. Duplicates are collapsed.
func NewIdMap(externalIds ...string) *IdMap {
	m := &IdMap{toInternal: make(map[string]int32, len(externalIds))}
	m.Add(externalIds...)
	return m
}

// Add registers external ids that are not yet present, extending the mapping.
func (m *IdMap) Add(externalIds ...string) {
	for _, e := range externalIds {
		if _, found := m.toInternal[e]; found {
			continue
		}
		m.toInternal[e] = int32(len(m.toExternal))
		m.toExternal = append(m.toExternal, e)
	}
}

// Size returns the number of mapped ids.
func (m *IdMap) Size() int { return len(m.toExternal) }

// ToInternal returns the internal id for the given external id.
func (m *IdMap) ToInternal(externalId string) (int32, bool) {
	id, found := m.toInternal[externalId]
	return id, found
}

// ToExternal returns the external id for the given internal id. It panics if
// internalId is out of range, the same as indexing a slice out of bounds.
func (m *IdMap) ToExternal(internalId int32) string {
	return m.toExternal[internalId]
}

// ConvertToInternal maps every external id to its internal id, failing on the
// first unknown id.
func (m *IdMap) ConvertToInternal(externalIds []string) ([]int32, error) {
	internal := make([]int32, len(externalIds))
	for i, e := range externalIds {
		id, found := m.toInternal[e]
		if !found {
			return nil, errors.Errorf("unknown id %q", e)
		}
		internal[i] = id
	}
	return internal, nil
}

// ConvertToInternalTolerant maps external ids to internal ids, silently
// dropping unknown ids. The order of the known ids is preserved.
func (m *IdMap) ConvertToInternalTolerant(externalIds []string) []int32 {
	internal := make([]int32, 0, len(externalIds))
	for _, e := range externalIds {
		if id, found := m.toInternal[e]; found {
			internal = append(internal, id)
		}
	}
	return internal
}

// ExternalIds returns the external ids ordered by their internal id.
// The returned slice is a copy.
func (m *IdMap) ExternalIds() []string {
	out := make([]string, len(m.toExternal))
	copy(out, m.toExternal)
	return out
}
