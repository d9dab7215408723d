package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"slices"

	"setup-scorer/internal/features"
)

// Supported kinds of the native JSON artifact.
const (
	KindTreeEnsemble = "tree_ensemble"
	KindLogistic     = "logistic"
)

// JSONFormat decodes <strategy>_model.json artifacts.
func JSONFormat() Format {
	return Format{Name: "json", Ext: ".json", Decode: LoadJSON}
}

type jsonArtifact struct {
	Kind     string   `json:"kind"`
	Features []string `json:"features"`

	// tree_ensemble
	BaseScore *float64   `json:"base_score"`
	Trees     []jsonTree `json:"trees"`

	// logistic
	Intercept    float64            `json:"intercept"`
	Coefficients map[string]float64 `json:"coefficients"`
}

type jsonTree struct {
	Nodes []jsonNode `json:"nodes"`
}

type jsonNode struct {
	Feature   string   `json:"feature"`
	Threshold float64  `json:"threshold"`
	Yes       int      `json:"yes"`
	No        int      `json:"no"`
	Missing   int      `json:"missing"`
	Leaf      *float64 `json:"leaf"`
}

// LoadJSON reads a native artifact from path.
func LoadJSON(path string) (Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return ParseJSON(data)
}

// ParseJSON builds a classifier from the bytes of a native artifact. The
// declared feature list must match the encoded column order exactly.
func ParseJSON(data []byte) (Classifier, error) {
	var a jsonArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse artifact: %w", err)
	}
	if !slices.Equal(a.Features, features.Columns()) {
		return nil, fmt.Errorf("artifact features %v do not match %v", a.Features, features.Columns())
	}

	switch a.Kind {
	case KindTreeEnsemble:
		return newTreeEnsemble(a)
	case KindLogistic:
		return newLogistic(a)
	default:
		return nil, fmt.Errorf("unknown artifact kind %q", a.Kind)
	}
}

type node struct {
	feature   int
	threshold float64
	yes       int
	no        int
	missing   int
	leaf      float64
	isLeaf    bool
}

// TreeEnsemble is an additive ensemble of binary regression trees with a
// logistic link, the layout gradient boosting libraries export.
type TreeEnsemble struct {
	baseMargin float64
	trees      [][]node
}

func newTreeEnsemble(a jsonArtifact) (*TreeEnsemble, error) {
	base := 0.5
	if a.BaseScore != nil {
		base = *a.BaseScore
	}
	if !(base > 0 && base < 1) {
		return nil, fmt.Errorf("base_score %v outside (0,1)", base)
	}
	if len(a.Trees) == 0 {
		return nil, fmt.Errorf("tree ensemble has no trees")
	}

	te := &TreeEnsemble{
		baseMargin: math.Log(base / (1 - base)),
		trees:      make([][]node, 0, len(a.Trees)),
	}
	for ti, t := range a.Trees {
		nodes, err := compileTree(t)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", ti, err)
		}
		te.trees = append(te.trees, nodes)
	}
	return te, nil
}

// compileTree resolves feature names to column indexes and checks that every
// split points forward to an existing node, which rules out cycles.
func compileTree(t jsonTree) ([]node, error) {
	if len(t.Nodes) == 0 {
		return nil, fmt.Errorf("empty tree")
	}

	out := make([]node, len(t.Nodes))
	for i, n := range t.Nodes {
		if n.Leaf != nil {
			if math.IsNaN(*n.Leaf) || math.IsInf(*n.Leaf, 0) {
				return nil, fmt.Errorf("node %d: leaf is not finite", i)
			}
			out[i] = node{leaf: *n.Leaf, isLeaf: true}
			continue
		}

		col := slices.Index(features.Columns(), n.Feature)
		if col < 0 {
			return nil, fmt.Errorf("node %d: unknown feature %q", i, n.Feature)
		}
		missing := n.Missing
		if missing == 0 {
			missing = n.Yes
		}
		for _, child := range []int{n.Yes, n.No, missing} {
			if child <= i || child >= len(t.Nodes) {
				return nil, fmt.Errorf("node %d: child %d out of range", i, child)
			}
		}
		out[i] = node{
			feature:   col,
			threshold: n.Threshold,
			yes:       n.Yes,
			no:        n.No,
			missing:   missing,
		}
	}
	return out, nil
}

func (te *TreeEnsemble) PredictProba(_ context.Context, row features.Frame) (Probabilities, error) {
	if err := checkFrame(row); err != nil {
		return Probabilities{}, err
	}

	margin := te.baseMargin
	for _, nodes := range te.trees {
		i := 0
		for !nodes[i].isLeaf {
			n := nodes[i]
			v := row.Values[n.feature]
			switch {
			case math.IsNaN(v):
				i = n.missing
			case v < n.threshold:
				i = n.yes
			default:
				i = n.no
			}
		}
		margin += nodes[i].leaf
	}
	return binary(sigmoid(margin)), nil
}

// Logistic is a linear model over the encoded columns.
type Logistic struct {
	intercept float64
	weights   []float64
}

func newLogistic(a jsonArtifact) (*Logistic, error) {
	cols := features.Columns()
	if len(a.Coefficients) != len(cols) {
		return nil, fmt.Errorf("expected %d coefficients, got %d", len(cols), len(a.Coefficients))
	}

	weights := make([]float64, len(cols))
	for i, c := range cols {
		w, ok := a.Coefficients[c]
		if !ok {
			return nil, fmt.Errorf("missing coefficient for %q", c)
		}
		weights[i] = w
	}
	return &Logistic{intercept: a.Intercept, weights: weights}, nil
}

func (l *Logistic) PredictProba(_ context.Context, row features.Frame) (Probabilities, error) {
	if err := checkFrame(row); err != nil {
		return Probabilities{}, err
	}

	z := l.intercept
	for i, w := range l.weights {
		z += w * row.Values[i]
	}
	return binary(sigmoid(z)), nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func binary(p float64) Probabilities {
	return Probabilities{1 - p, p}
}
