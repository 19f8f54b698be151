package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ForestConfig controls random forest training.
type ForestConfig struct {
	NumTrees int
	MaxDepth int
	// MaxFeatures <= 0 selects ceil(sqrt(numFeatures)) per split.
	MaxFeatures int
	Seed        int64
}

// RandomForest averages the class distributions of bootstrap-trained trees.
// Tree i draws from rand.NewSource(Seed+i), so a fixed seed reproduces the
// same forest no matter how tree fitting is scheduled.
type RandomForest struct {
	Kind        string          `json:"kind"`
	NumTrees    int             `json:"num_trees"`
	MaxDepth    int             `json:"max_depth"`
	MaxFeatures int             `json:"max_features"`
	Seed        int64           `json:"seed"`
	NumClasses  int             `json:"num_classes"`
	NumFeatures int             `json:"num_features"`
	Trees       []*DecisionTree `json:"trees"`
}

func NewRandomForest(config ForestConfig) *RandomForest {
	if config.NumTrees <= 0 {
		config.NumTrees = 100
	}
	return &RandomForest{
		Kind:        KindRandomForest,
		NumTrees:    config.NumTrees,
		MaxDepth:    config.MaxDepth,
		MaxFeatures: config.MaxFeatures,
		Seed:        config.Seed,
	}
}

func (rf *RandomForest) Fit(ctx context.Context, features [][]float64, labels []int, numClasses int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}

	width := len(features[0])
	maxFeatures := rf.MaxFeatures
	if maxFeatures <= 0 {
		maxFeatures = int(math.Ceil(math.Sqrt(float64(width))))
	}

	trees := make([]*DecisionTree, rf.NumTrees)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range trees {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			seed := rf.Seed + int64(i)
			rng := rand.New(rand.NewSource(seed))
			bootX, bootY := bootstrap(features, labels, rng)
			tree := NewDecisionTree(rf.MaxDepth, maxFeatures, seed)
			if err := tree.fit(bootX, bootY, numClasses, rng); err != nil {
				return fmt.Errorf("tree %d: %w", i, err)
			}
			trees[i] = tree
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	rf.Trees = trees
	rf.NumClasses = numClasses
	rf.NumFeatures = width
	return nil
}

func (rf *RandomForest) PredictProba(features []float64) ([]float64, error) {
	if len(rf.Trees) == 0 {
		return nil, errors.New("model not trained")
	}
	if len(features) != rf.NumFeatures {
		return nil, configErr("predict", "feature vector has %d values, model expects %d", len(features), rf.NumFeatures)
	}
	proba := make([]float64, rf.NumClasses)
	for _, tree := range rf.Trees {
		dist, err := tree.PredictProba(features)
		if err != nil {
			return nil, err
		}
		if len(dist) != rf.NumClasses {
			return nil, configErr("predict", "tree returned %d classes, forest has %d", len(dist), rf.NumClasses)
		}
		for c, p := range dist {
			proba[c] += p
		}
	}
	for c := range proba {
		proba[c] /= float64(len(rf.Trees))
	}
	return proba, nil
}

func (rf *RandomForest) Classes() int {
	return rf.NumClasses
}

func (rf *RandomForest) Save(path string) error {
	if len(rf.Trees) == 0 {
		return errors.New("model not trained")
	}
	return writeJSON(path, rf)
}

func bootstrap(features [][]float64, labels []int, rng *rand.Rand) ([][]float64, []int) {
	n := len(features)
	bootX := make([][]float64, n)
	bootY := make([]int, n)
	for i := 0; i < n; i++ {
		idx := rng.Intn(n)
		bootX[i] = features[idx]
		bootY[i] = labels[idx]
	}
	return bootX, bootY
}
