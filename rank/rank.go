// Package rank scores subject embeddings against object embeddings and
// returns the top-k objects per subject, with optional per-subject exclusions
// and a global candidate whitelist.
package rank

import (
	"container/heap"
	"math"
	"runtime"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/gorec-io/gorec/dataset"
)

// Distance selects the scoring function between subject and object vectors.
type Distance int

const (
	// Dot scores by inner product, higher is better.
	Dot Distance = iota
	// Cosine scores by cosine similarity, higher is better.
	Cosine
	// Euclidean scores by negated euclidean distance, so that higher is
	// still better and results stay sorted by descending score.
	Euclidean
)

func (d Distance) String() string {
	switch d {
	case Dot:
		return "dot"
	case Cosine:
		return "cosine"
	case Euclidean:
		return "euclidean"
	}
	return "unknown"
}

// Ranker ranks a fixed set of object vectors for arbitrary subject vectors.
type Ranker struct {
	distance Distance
	dim      int

	objects     []float32 // row-major [numObjects, dim]
	objectNorms []float32 // only for Cosine
	numObjects  int

	numWorkers int
}

// NewRanker builds a Ranker over the given object vectors, given as a
// row-major matrix. numWorkers limits ranking parallelism; 0 means
// runtime.GOMAXPROCS(0).
func NewRanker(distance Distance, objects []float32, dim int, numWorkers int) (*Ranker, error) {
	if dim <= 0 {
		return nil, errors.Errorf("rank: dim must be positive, got %d", dim)
	}
	if len(objects)%dim != 0 {
		return nil, errors.Errorf("rank: objects length %d not divisible by dim %d", len(objects), dim)
	}
	if distance < Dot || distance > Euclidean {
		return nil, errors.Errorf("rank: unknown distance %d", distance)
	}
	r := &Ranker{
		distance:   distance,
		dim:        dim,
		objects:    objects,
		numObjects: len(objects) / dim,
		numWorkers: numWorkers,
	}
	if r.numWorkers <= 0 {
		r.numWorkers = runtime.GOMAXPROCS(0)
	}
	if distance == Cosine {
		r.objectNorms = make([]float32, r.numObjects)
		for i := 0; i < r.numObjects; i++ {
			r.objectNorms[i] = norm(r.object(int32(i)))
		}
	}
	return r, nil
}

// NumObjects returns the number of object vectors.
func (r *Ranker) NumObjects() int { return r.numObjects }

func (r *Ranker) object(i int32) []float32 {
	return r.objects[int(i)*r.dim : (int(i)+1)*r.dim]
}

// Result holds the ranked objects of one subject, scores sorted descending.
type Result struct {
	Objects []int32
	Scores  []float32
}

// Rank scores every subject against the candidate objects and returns the
// top-k per subject, ordered as the subjects were given.
//
// whitelist, when non-nil, restricts candidates to the listed object ids.
// exclude, when non-nil, drops object exclude.Row(excludeRows[s]) from
// subject s's candidates; excludeRows maps subject position to the matrix
// row, letting callers reuse an interaction matrix whose rows are not in
// subject order.
func (r *Ranker) Rank(subjects []float32, k int, whitelist []int32, exclude *dataset.CSRMatrix, excludeRows []int32) ([]Result, error) {
	if k <= 0 {
		return nil, errors.Errorf("rank: k must be positive, got %d", k)
	}
	if len(subjects)%r.dim != 0 {
		return nil, errors.Errorf("rank: subjects length %d not divisible by dim %d", len(subjects), r.dim)
	}
	numSubjects := len(subjects) / r.dim
	if exclude != nil && len(excludeRows) != numSubjects {
		return nil, errors.Errorf("rank: got %d exclude rows for %d subjects", len(excludeRows), numSubjects)
	}
	for _, o := range whitelist {
		if o < 0 || int(o) >= r.numObjects {
			return nil, errors.Errorf("rank: whitelist object %d out of range [0, %d)", o, r.numObjects)
		}
	}

	results := make([]Result, numSubjects)
	var group errgroup.Group
	group.SetLimit(r.numWorkers)
	for s := 0; s < numSubjects; s++ {
		group.Go(func() error {
			subject := subjects[s*r.dim : (s+1)*r.dim]
			var excluded map[int32]struct{}
			if exclude != nil {
				excluded = exclude.RowSet(excludeRows[s])
			}
			results[s] = r.rankOne(subject, k, whitelist, excluded)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Ranker) rankOne(subject []float32, k int, whitelist []int32, excluded map[int32]struct{}) Result {
	h := newTopK(k)
	score := r.scorer(subject)
	if whitelist != nil {
		for _, o := range whitelist {
			if _, skip := excluded[o]; skip {
				continue
			}
			h.push(o, score(o))
		}
	} else {
		for o := int32(0); int(o) < r.numObjects; o++ {
			if _, skip := excluded[o]; skip {
				continue
			}
			h.push(o, score(o))
		}
	}
	return h.sorted()
}

// scorer returns a closure scoring one object against the given subject.
func (r *Ranker) scorer(subject []float32) func(o int32) float32 {
	switch r.distance {
	case Cosine:
		subjectNorm := norm(subject)
		return func(o int32) float32 {
			d := dot(subject, r.object(o))
			denom := subjectNorm * r.objectNorms[o]
			if denom == 0 {
				return 0
			}
			return d / denom
		}
	case Euclidean:
		return func(o int32) float32 {
			obj := r.object(o)
			var sum float32
			for i, v := range subject {
				diff := v - obj[i]
				sum += diff * diff
			}
			return -float32(math.Sqrt(float64(sum)))
		}
	default:
		return func(o int32) float32 {
			return dot(subject, r.object(o))
		}
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i, v := range a {
		sum += v * b[i]
	}
	return sum
}

func norm(a []float32) float32 {
	return float32(math.Sqrt(float64(dot(a, a))))
}

// topK keeps the k highest-scored objects seen so far in a min-heap.
type topK struct {
	k       int
	objects []int32
	scores  []float32
}

func newTopK(k int) *topK {
	return &topK{k: k, objects: make([]int32, 0, k+1), scores: make([]float32, 0, k+1)}
}

func (h *topK) Len() int           { return len(h.objects) }
func (h *topK) Less(i, j int) bool { return h.scores[i] < h.scores[j] }
func (h *topK) Swap(i, j int) {
	h.objects[i], h.objects[j] = h.objects[j], h.objects[i]
	h.scores[i], h.scores[j] = h.scores[j], h.scores[i]
}

type scored struct {
	object int32
	score  float32
}

func (h *topK) Push(x any) {
	s := x.(scored)
	h.objects = append(h.objects, s.object)
	h.scores = append(h.scores, s.score)
}

func (h *topK) Pop() any {
	n := len(h.objects) - 1
	h.objects = h.objects[:n]
	h.scores = h.scores[:n]
	return nil
}

func (h *topK) push(object int32, score float32) {
	if len(h.objects) < h.k {
		heap.Push(h, scored{object, score})
		return
	}
	if score <= h.scores[0] {
		return
	}
	heap.Push(h, scored{object, score})
	heap.Pop(h)
}

func (h *topK) sorted() Result {
	res := Result{
		Objects: append([]int32(nil), h.objects...),
		Scores:  append([]float32(nil), h.scores...),
	}
	sort.Sort(byScoreDesc{&res})
	return res
}

type byScoreDesc struct{ r *Result }

func (s byScoreDesc) Len() int { return len(s.r.Objects) }
func (s byScoreDesc) Less(i, j int) bool {
	if s.r.Scores[i] != s.r.Scores[j] {
		return s.r.Scores[i] > s.r.Scores[j]
	}
	return s.r.Objects[i] < s.r.Objects[j]
}
func (s byScoreDesc) Swap(i, j int) {
	s.r.Objects[i], s.r.Objects[j] = s.r.Objects[j], s.r.Objects[i]
	s.r.Scores[i], s.r.Scores[j] = s.r.Scores[j], s.r.Scores[i]
}
