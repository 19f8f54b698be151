package ml

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"slices"
	"sort"
)

const (
	KindDecisionTree = "decision_tree"
	KindRandomForest = "random_forest"
)

// DecisionTree is a CART classifier using gini impurity. Nodes are stored in
// pre-order; child links are offsets relative to the parent's index.
type DecisionTree struct {
	Kind        string     `json:"kind"`
	MaxDepth    int        `json:"max_depth"`
	MaxFeatures int        `json:"max_features"`
	Seed        int64      `json:"seed"`
	NumClasses  int        `json:"num_classes"`
	NumFeatures int        `json:"num_features"`
	Nodes       []TreeNode `json:"nodes"`
}

type TreeNode struct {
	FeatureIdx   int       `json:"feature_idx"`
	Threshold    float64   `json:"threshold"`
	LeftChild    int       `json:"left_child"`
	RightChild   int       `json:"right_child"`
	Distribution []float64 `json:"distribution,omitempty"`
	IsLeaf       bool      `json:"is_leaf"`
}

// NewDecisionTree returns an unfitted tree. maxDepth <= 0 grows until leaves
// are pure; maxFeatures <= 0 considers every feature at each split.
func NewDecisionTree(maxDepth, maxFeatures int, seed int64) *DecisionTree {
	return &DecisionTree{
		Kind:        KindDecisionTree,
		MaxDepth:    maxDepth,
		MaxFeatures: maxFeatures,
		Seed:        seed,
	}
}

func (dt *DecisionTree) Fit(_ context.Context, features [][]float64, labels []int, numClasses int) error {
	return dt.fit(features, labels, numClasses, rand.New(rand.NewSource(dt.Seed)))
}

func (dt *DecisionTree) fit(features [][]float64, labels []int, numClasses int, rng *rand.Rand) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if numClasses <= 0 {
		return errors.New("numClasses must be positive")
	}
	width := len(features[0])
	for _, row := range features {
		if len(row) != width {
			return configErr("fit tree", "ragged feature matrix: %d vs %d columns", len(row), width)
		}
	}
	for _, label := range labels {
		if label < 0 || label >= numClasses {
			return &UnknownIDError{ID: label, Classes: numClasses}
		}
	}

	dt.NumClasses = numClasses
	dt.NumFeatures = width
	dt.Nodes = dt.buildNode(features, labels, 0, rng)
	return nil
}

func (dt *DecisionTree) PredictProba(features []float64) ([]float64, error) {
	if len(dt.Nodes) == 0 {
		return nil, errors.New("model not trained")
	}
	if len(features) != dt.NumFeatures {
		return nil, configErr("predict", "feature vector has %d values, model expects %d", len(features), dt.NumFeatures)
	}
	idx := 0
	for {
		node := dt.Nodes[idx]
		if node.IsLeaf {
			return slices.Clone(node.Distribution), nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return nil, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx += node.LeftChild
		} else {
			idx += node.RightChild
		}
		if idx < 0 || idx >= len(dt.Nodes) {
			return nil, errors.New("invalid tree state")
		}
	}
}

func (dt *DecisionTree) Classes() int {
	return dt.NumClasses
}

func (dt *DecisionTree) Save(path string) error {
	if len(dt.Nodes) == 0 {
		return errors.New("model not trained")
	}
	return writeJSON(path, dt)
}

func (dt *DecisionTree) buildNode(features [][]float64, labels []int, depth int, rng *rand.Rand) []TreeNode {
	leaf := []TreeNode{{
		FeatureIdx:   -1,
		LeftChild:    -1,
		RightChild:   -1,
		Distribution: distribution(labels, dt.NumClasses),
		IsLeaf:       true,
	}}
	if (dt.MaxDepth > 0 && depth >= dt.MaxDepth) || isPure(labels) || len(labels) < 2 {
		return leaf
	}

	bestFeature, threshold, ok := dt.findBestSplit(features, labels, rng)
	if !ok {
		return leaf
	}

	leftFeatures, leftLabels, rightFeatures, rightLabels := splitData(features, labels, bestFeature, threshold)
	if len(leftLabels) == 0 || len(rightLabels) == 0 {
		return leaf
	}

	leftNodes := dt.buildNode(leftFeatures, leftLabels, depth+1, rng)
	rightNodes := dt.buildNode(rightFeatures, rightLabels, depth+1, rng)

	root := TreeNode{
		FeatureIdx: bestFeature,
		Threshold:  threshold,
		LeftChild:  1,
		RightChild: 1 + len(leftNodes),
		IsLeaf:     false,
	}

	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, leftNodes...)
	nodes = append(nodes, rightNodes...)
	return nodes
}

// findBestSplit visits features in random order and stops once MaxFeatures
// non-constant features have been evaluated. Constant features do not count
// toward the budget, so a node only becomes a leaf when no feature can split it.
func (dt *DecisionTree) findBestSplit(features [][]float64, labels []int, rng *rand.Rand) (int, float64, bool) {
	featureCount := len(features[0])
	budget := dt.MaxFeatures
	if budget <= 0 || budget > featureCount {
		budget = featureCount
	}

	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64
	evaluated := 0

	for _, featureIdx := range rng.Perm(featureCount) {
		threshold, impurity, ok := bestThresholdFor(features, labels, featureIdx, dt.NumClasses)
		if !ok {
			continue
		}
		evaluated++
		if impurity < bestImpurity {
			bestImpurity = impurity
			bestFeature = featureIdx
			bestThreshold = threshold
		}
		if evaluated >= budget {
			break
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

// bestThresholdFor sweeps the sorted values of one feature, keeping running
// class counts, and returns the midpoint threshold with the lowest weighted gini.
func bestThresholdFor(features [][]float64, labels []int, featureIdx, numClasses int) (float64, float64, bool) {
	order := make([]int, len(features))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return features[order[a]][featureIdx] < features[order[b]][featureIdx]
	})

	total := make([]int, numClasses)
	for _, label := range labels {
		total[label]++
	}
	left := make([]int, numClasses)
	right := make([]int, numClasses)

	n := len(order)
	found := false
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64
	for pos := 0; pos < n-1; pos++ {
		left[labels[order[pos]]]++
		value := features[order[pos]][featureIdx]
		next := features[order[pos+1]][featureIdx]
		if value == next {
			continue
		}
		for c := range right {
			right[c] = total[c] - left[c]
		}
		nl := pos + 1
		impurity := weightedGini(left, nl, right, n-nl)
		if impurity < bestImpurity {
			bestImpurity = impurity
			bestThreshold = value + (next-value)/2
			found = true
		}
	}
	return bestThreshold, bestImpurity, found
}

func splitData(features [][]float64, labels []int, featureIdx int, threshold float64) ([][]float64, []int, [][]float64, []int) {
	leftFeatures := make([][]float64, 0)
	leftLabels := make([]int, 0)
	rightFeatures := make([][]float64, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftFeatures = append(leftFeatures, feature)
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightFeatures = append(rightFeatures, feature)
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftFeatures, leftLabels, rightFeatures, rightLabels
}

func weightedGini(left []int, nl int, right []int, nr int) float64 {
	total := float64(nl + nr)
	return (float64(nl)/total)*gini(left, nl) + (float64(nr)/total)*gini(right, nr)
}

func gini(counts []int, n int) float64 {
	if n == 0 {
		return 0
	}
	impurity := 1.0
	for _, count := range counts {
		prob := float64(count) / float64(n)
		impurity -= prob * prob
	}
	return impurity
}

func distribution(labels []int, numClasses int) []float64 {
	dist := make([]float64, numClasses)
	if len(labels) == 0 {
		return dist
	}
	for _, label := range labels {
		dist[label]++
	}
	for i := range dist {
		dist[i] /= float64(len(labels))
	}
	return dist
}

func isPure(labels []int) bool {
	if len(labels) == 0 {
		return true
	}
	first := labels[0]
	for _, label := range labels[1:] {
		if label != first {
			return false
		}
	}
	return true
}
