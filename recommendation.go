// Package gorec provides recommendation models for implicit-feedback data,
// built on top of gomlx for training and inference.
package gorec

import "github.com/gorec-io/gorec/dataset"

// Recommendation is one ranked suggestion, in external ids. Target is the
// user (for user-to-item requests) or the query item (for item-to-item
// requests); Rank starts at 1 for the best-scored item of a target.
type Recommendation struct {
	Target string
	Item   string
	Score  float32
	Rank   int
}

// Recommender is implemented by the fitted models in this module.
type Recommender interface {
	Fit(ds *dataset.Dataset) error
	RecommendU2I(users []string, ds *dataset.Dataset, k int, filterViewed bool, whitelist []string) ([]Recommendation, error)
	RecommendI2I(targets []string, ds *dataset.Dataset, k int, whitelist []string) ([]Recommendation, error)
}
