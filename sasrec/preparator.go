package sasrec

import (
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gorec-io/gorec/dataset"
)

// PaddingToken is the external id reserved for the padding item. It occupies
// internal id 0 of the model's item catalog.
const PaddingToken = "PAD"

// dataPreparator converts raw datasets into the model's internal id space.
// The model item catalog prepends the extra tokens (currently just padding)
// before the real items, so internal ids below numExtraTokens never denote
// recommendable items.
type dataPreparator struct {
	sessionMaxLen            int
	trainMinUserInteractions int

	itemIdMap      *dataset.IdMap // set by processDatasetTrain
	numExtraTokens int
}

func newDataPreparator(cfg Config) *dataPreparator {
	return &dataPreparator{
		sessionMaxLen:            cfg.SessionMaxLen,
		trainMinUserInteractions: cfg.TrainMinUserInteractions,
	}
}

// numItems returns the size of the model item catalog, extra tokens included.
func (p *dataPreparator) numItems() int { return p.itemIdMap.Size() }

// knownItems returns the internal ids of all recommendable items.
func (p *dataPreparator) knownItems() []int32 {
	ids := make([]int32, 0, p.numItems()-p.numExtraTokens)
	for i := p.numExtraTokens; i < p.numItems(); i++ {
		ids = append(ids, int32(i))
	}
	return ids
}

// processDatasetTrain filters the training data and rebuilds it in the
// model's id space: users with fewer than trainMinUserInteractions events are
// dropped, each remaining user keeps only the last sessionMaxLen+1 events by
// time, and the item id map gains the extra tokens at the lowest ids. Sparse
// item features are carried over, re-indexed to the new catalog with all-zero
// rows for the extra tokens.
func (p *dataPreparator) processDatasetTrain(ds *dataset.Dataset) (*dataset.Dataset, error) {
	perUser := make(map[string][]int, ds.NumUsers())
	for k, it := range ds.Interactions {
		perUser[it.User] = append(perUser[it.User], k)
	}
	keep := make([]bool, len(ds.Interactions))
	for _, idxs := range perUser {
		if len(idxs) < p.trainMinUserInteractions {
			continue
		}
		sort.SliceStable(idxs, func(i, j int) bool {
			return ds.Interactions[idxs[i]].Timestamp < ds.Interactions[idxs[j]].Timestamp
		})
		if len(idxs) > p.sessionMaxLen+1 {
			idxs = idxs[len(idxs)-p.sessionMaxLen-1:]
		}
		for _, k := range idxs {
			keep[k] = true
		}
	}

	itemIdMap := dataset.NewIdMap(PaddingToken)
	userIdMap := dataset.NewIdMap()
	filtered := make([]dataset.Interaction, 0, len(ds.Interactions))
	for k, it := range ds.Interactions {
		if !keep[k] {
			continue
		}
		userIdMap.Add(it.User)
		itemIdMap.Add(it.Item)
		filtered = append(filtered, it)
	}
	if len(filtered) == 0 {
		return nil, errors.Errorf("no users with at least %d interactions", p.trainMinUserInteractions)
	}
	p.itemIdMap = itemIdMap
	p.numExtraTokens = 1 // padding

	processed := &dataset.Dataset{
		UserIdMap:    userIdMap,
		ItemIdMap:    itemIdMap,
		Interactions: filtered,
	}
	if ds.ItemFeatures != nil {
		if sparse, ok := ds.ItemFeatures.(*dataset.SparseFeatures); ok {
			rows := make([]int32, itemIdMap.Size())
			for i, external := range itemIdMap.ExternalIds() {
				if i < p.numExtraTokens {
					rows[i] = -1 // zero row for the extra token
					continue
				}
				original, _ := ds.ItemIdMap.ToInternal(external)
				rows[i] = original
			}
			processed.ItemFeatures = sparse.Take(rows)
		} else {
			klog.Warning("item features are dense and will be ignored, categorical features required")
		}
	}
	return processed, nil
}

// transformDatasetU2I restricts a dataset to the requested users and to the
// items the fitted model knows. Users left without any known interaction are
// dropped with a warning; an error is returned when no user survives.
func (p *dataPreparator) transformDatasetU2I(ds *dataset.Dataset, users []string) (*dataset.Dataset, error) {
	requested := make(map[string]struct{}, len(users))
	for _, u := range users {
		requested[u] = struct{}{}
	}

	userIdMap := dataset.NewIdMap()
	filtered := make([]dataset.Interaction, 0, len(ds.Interactions))
	for _, it := range ds.Interactions {
		if _, wanted := requested[it.User]; !wanted {
			continue
		}
		if _, known := p.itemIdMap.ToInternal(it.Item); !known {
			continue
		}
		userIdMap.Add(it.User)
		filtered = append(filtered, it)
	}
	if userIdMap.Size() == 0 {
		return nil, errors.New("none of the requested users have interactions with known items")
	}
	if dropped := len(requested) - userIdMap.Size(); dropped > 0 {
		klog.Warningf("%d of %d requested users have no interactions with known items and will get no recommendations",
			dropped, len(requested))
	}
	return &dataset.Dataset{
		UserIdMap:    userIdMap,
		ItemIdMap:    p.itemIdMap,
		Interactions: filtered,
	}, nil
}

// transformDatasetI2I restricts a dataset to interactions with items the
// fitted model knows, keeping the full original user id map.
func (p *dataPreparator) transformDatasetI2I(ds *dataset.Dataset) *dataset.Dataset {
	filtered := make([]dataset.Interaction, 0, len(ds.Interactions))
	for _, it := range ds.Interactions {
		if _, known := p.itemIdMap.ToInternal(it.Item); known {
			filtered = append(filtered, it)
		}
	}
	if dropped := len(ds.Interactions) - len(filtered); dropped > 0 {
		klog.Warningf("%d of %d interactions involve items unknown to the model and were dropped", dropped, len(ds.Interactions))
	}
	return &dataset.Dataset{
		UserIdMap:    ds.UserIdMap,
		ItemIdMap:    p.itemIdMap,
		Interactions: filtered,
	}
}

// sessionsInModelIds groups ds into per-user sessions with items remapped to
// the model's internal catalog ids. ds.ItemIdMap must only contain items
// known to the model (as produced by processDatasetTrain or
// transformDatasetU2I, which share the model's item map already).
func (p *dataPreparator) sessionsInModelIds(ds *dataset.Dataset) []dataset.Session {
	sessions := ds.Sessions()
	if ds.ItemIdMap == p.itemIdMap {
		return sessions
	}
	for _, s := range sessions {
		for k, item := range s.Items {
			external := ds.ItemIdMap.ToExternal(item)
			modelId, _ := p.itemIdMap.ToInternal(external)
			s.Items[k] = modelId
		}
	}
	return sessions
}
