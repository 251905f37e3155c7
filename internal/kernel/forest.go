package kernel

// A compact random forest classifier: bootstrap-sampled CART trees with
// gini splits over a random feature subset per node. Prediction averages
// the trees' leaf up-probabilities; the confidence is the averaged
// probability of the chosen direction. Training is seeded so that
// identical inputs yield identical models, which the backtest
// determinism guarantee depends on.

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"github.com/wangxso/ftrader/pkg/types"
)

// ForestConfig bounds tree growth.
type ForestConfig struct {
	Trees    int
	MaxDepth int
	MinLeaf  int
	Seed     int64
}

// DefaultForestConfig returns the training defaults.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{Trees: 25, MaxDepth: 6, MinLeaf: 3, Seed: 1}
}

// Forest is a trained classifier over the shared feature vector.
// Class 1 is "up" (long), class 0 is "down" (short).
type Forest struct {
	trees []*treeNode
}

type treeNode struct {
	feature   int
	threshold float64
	left      *treeNode
	right     *treeNode
	leaf      bool
	upVotes   int
	samples   int
}

// TrainForest fits a forest on the labeled samples. It returns nil when
// the set is too small or single-class; callers keep their previous
// model in that case.
func TrainForest(samples [][]float64, labels []int, cfg ForestConfig) *Forest {
	if len(samples) < 2*cfg.MinLeaf || len(samples) != len(labels) {
		return nil
	}
	ups := 0
	for _, l := range labels {
		ups += l
	}
	if ups == 0 || ups == len(labels) {
		return nil
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	nFeatures := len(samples[0])
	mtry := int(math.Ceil(math.Sqrt(float64(nFeatures))))

	f := &Forest{trees: make([]*treeNode, 0, cfg.Trees)}
	for t := 0; t < cfg.Trees; t++ {
		idx := make([]int, len(samples))
		for i := range idx {
			idx[i] = rng.Intn(len(samples))
		}
		f.trees = append(f.trees, growTree(samples, labels, idx, cfg, mtry, rng, 0))
	}
	return f
}

func growTree(samples [][]float64, labels []int, idx []int, cfg ForestConfig, mtry int, rng *rand.Rand, depth int) *treeNode {
	ups := 0
	for _, i := range idx {
		ups += labels[i]
	}

	node := &treeNode{leaf: true, upVotes: ups, samples: len(idx)}
	if depth >= cfg.MaxDepth || len(idx) < 2*cfg.MinLeaf || ups == 0 || ups == len(idx) {
		return node
	}

	feature, threshold, ok := bestSplit(samples, labels, idx, mtry, cfg.MinLeaf, rng)
	if !ok {
		return node
	}

	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if samples[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) < cfg.MinLeaf || len(right) < cfg.MinLeaf {
		return node
	}

	node.leaf = false
	node.feature = feature
	node.threshold = threshold
	node.left = growTree(samples, labels, left, cfg, mtry, rng, depth+1)
	node.right = growTree(samples, labels, right, cfg, mtry, rng, depth+1)
	return node
}

// bestSplit scans a random feature subset for the gini-optimal
// threshold.
func bestSplit(samples [][]float64, labels []int, idx []int, mtry, minLeaf int, rng *rand.Rand) (int, float64, bool) {
	nFeatures := len(samples[0])
	features := rng.Perm(nFeatures)[:mtry]

	bestGini := math.Inf(1)
	bestFeature, bestThreshold := -1, 0.0

	values := make([]float64, 0, len(idx))
	for _, fi := range features {
		values = values[:0]
		for _, i := range idx {
			values = append(values, samples[i][fi])
		}
		sort.Float64s(values)

		for v := minLeaf; v <= len(values)-minLeaf; v++ {
			if v > 0 && values[v] == values[v-1] {
				continue
			}
			threshold := values[v-1]
			gini := splitGini(samples, labels, idx, fi, threshold)
			if gini < bestGini {
				bestGini = gini
				bestFeature = fi
				bestThreshold = threshold
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

func splitGini(samples [][]float64, labels []int, idx []int, feature int, threshold float64) float64 {
	var lN, lUp, rN, rUp int
	for _, i := range idx {
		if samples[i][feature] <= threshold {
			lN++
			lUp += labels[i]
		} else {
			rN++
			rUp += labels[i]
		}
	}
	if lN == 0 || rN == 0 {
		return math.Inf(1)
	}
	gini := func(n, up int) float64 {
		p := float64(up) / float64(n)
		return 1 - p*p - (1-p)*(1-p)
	}
	total := float64(lN + rN)
	return float64(lN)/total*gini(lN, lUp) + float64(rN)/total*gini(rN, rUp)
}

// probaUp walks one tree and returns its up-probability.
func (n *treeNode) probaUp(x []float64) float64 {
	for !n.leaf {
		if x[n.feature] <= n.threshold {
			n = n.left
		} else {
			n = n.right
		}
	}
	if n.samples == 0 {
		return 0.5
	}
	return float64(n.upVotes) / float64(n.samples)
}

// Predict implements the Oracle interface: the trees' averaged
// up-probability picks the direction (short below 0.5), and the
// confidence is the averaged probability of that direction.
func (f *Forest) Predict(_ context.Context, features Features) (*Prediction, error) {
	if f == nil || len(f.trees) == 0 {
		return nil, types.E(types.ErrKindKernelRecoverable, "kernel.forest", "no trained model")
	}

	x := features.Vector()
	var sum float64
	for _, t := range f.trees {
		sum += t.probaUp(x)
	}
	probUp := sum / float64(len(f.trees))

	pred := &Prediction{Direction: types.SideLong, Confidence: probUp}
	if probUp < 0.5 {
		pred.Direction = types.SideShort
		pred.Confidence = 1 - probUp
	}
	return pred, nil
}
