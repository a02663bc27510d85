package dataset

import (
	"sort"

	"github.com/pkg/errors"
)

// Interaction is one user-item event.
type Interaction struct {
	User      string
	Item      string
	Weight    float32
	Timestamp int64
}

// Dataset bundles interactions with the id maps and optional feature tables
// the models consume. UserIdMap and ItemIdMap cover every user and item that
// appears in Interactions; the feature tables, when present, are indexed by
// internal id.
type Dataset struct {
	UserIdMap *IdMap
	ItemIdMap *IdMap

	Interactions []Interaction

	UserFeatures Features
	ItemFeatures Features
}

// Option configures optional parts of a Dataset under construction.
type Option func(*Dataset)

// WithUserFeatures attaches a user feature table. Row i must describe the
// user with internal id i.
func WithUserFeatures(f Features) Option {
	return func(ds *Dataset) { ds.UserFeatures = f }
}

// WithItemFeatures attaches an item feature table. Row i must describe the
// item with internal id i.
func WithItemFeatures(f Features) Option {
	return func(ds *Dataset) { ds.ItemFeatures = f }
}

// New builds a Dataset from raw interactions, assigning internal ids to users
// and items in order of first appearance. Feature tables passed via options
// are checked to cover every mapped entity.
func New(interactions []Interaction, opts ...Option) (*Dataset, error) {
	if len(interactions) == 0 {
		return nil, errors.New("dataset: no interactions")
	}
	ds := &Dataset{
		UserIdMap:    NewIdMap(),
		ItemIdMap:    NewIdMap(),
		Interactions: interactions,
	}
	for _, it := range interactions {
		ds.UserIdMap.Add(it.User)
		ds.ItemIdMap.Add(it.Item)
	}
	for _, opt := range opts {
		opt(ds)
	}
	if ds.UserFeatures != nil && ds.UserFeatures.NumRows() != ds.UserIdMap.Size() {
		return nil, errors.Errorf("dataset: user features cover %d rows, want %d", ds.UserFeatures.NumRows(), ds.UserIdMap.Size())
	}
	if ds.ItemFeatures != nil && ds.ItemFeatures.NumRows() != ds.ItemIdMap.Size() {
		return nil, errors.Errorf("dataset: item features cover %d rows, want %d", ds.ItemFeatures.NumRows(), ds.ItemIdMap.Size())
	}
	return ds, nil
}

// NumUsers returns the number of distinct users.
func (ds *Dataset) NumUsers() int { return ds.UserIdMap.Size() }

// NumItems returns the number of distinct items.
func (ds *Dataset) NumItems() int { return ds.ItemIdMap.Size() }

// UserItemMatrix builds the sparse interaction matrix in internal ids, with
// interaction weights as values. Repeated pairs are summed.
func (ds *Dataset) UserItemMatrix() *CSRMatrix {
	entries := make([]matrixEntry, 0, len(ds.Interactions))
	for _, it := range ds.Interactions {
		u, _ := ds.UserIdMap.ToInternal(it.User)
		i, _ := ds.ItemIdMap.ToInternal(it.Item)
		entries = append(entries, matrixEntry{row: u, col: i, value: it.Weight})
	}
	return buildCSR(ds.NumUsers(), ds.NumItems(), entries)
}

// Session is one user's interaction history, ordered by time.
type Session struct {
	User  int32 // internal user id
	Items []int32
	// Weights are the per-event interaction weights, aligned with Items.
	Weights []float32
}

// Sessions groups the interactions per user, each session sorted by timestamp
// (stable on ties, preserving insertion order). The returned slice is ordered
// by internal user id and contains one entry per user that has interactions.
func (ds *Dataset) Sessions() []Session {
	type event struct {
		item      int32
		weight    float32
		timestamp int64
		order     int
	}
	byUser := make(map[int32][]event, ds.NumUsers())
	for k, it := range ds.Interactions {
		u, _ := ds.UserIdMap.ToInternal(it.User)
		i, _ := ds.ItemIdMap.ToInternal(it.Item)
		byUser[u] = append(byUser[u], event{item: i, weight: it.Weight, timestamp: it.Timestamp, order: k})
	}
	users := make([]int32, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	sessions := make([]Session, 0, len(users))
	for _, u := range users {
		events := byUser[u]
		sort.SliceStable(events, func(i, j int) bool {
			if events[i].timestamp != events[j].timestamp {
				return events[i].timestamp < events[j].timestamp
			}
			return events[i].order < events[j].order
		})
		s := Session{
			User:    u,
			Items:   make([]int32, len(events)),
			Weights: make([]float32, len(events)),
		}
		for k, e := range events {
			s.Items[k] = e.item
			s.Weights[k] = e.weight
		}
		sessions = append(sessions, s)
	}
	return sessions
}
