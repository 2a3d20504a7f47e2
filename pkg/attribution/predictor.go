package attribution

import (
	"errors"
	"math"
	"slices"
	"sync"

	"github.com/papercomputeco/cortex/pkg/utils"
	"github.com/papercomputeco/cortex/pkg/vector"
)

// Features are the predictor inputs for one memory of one response.
type Features struct {
	// Cosine is the similarity of the response and memory embeddings.
	Cosine float64
	// Lexical is the share of the memory's tokens that appear in the response.
	Lexical float64
	// Rank is 1/(1+r) for retrieval rank r.
	Rank float64
}

func (f Features) vector() []float64 {
	return []float64{1, f.Cosine, f.Lexical, f.Rank}
}

// Extract computes the features of memory text at retrieval rank for a
// response.
func Extract(response string, responseEmb []float32, text string, textEmb []float32, rank int) Features {
	f := Features{Rank: 1 / (1 + float64(rank))}
	if len(responseEmb) > 0 && len(responseEmb) == len(textEmb) {
		f.Cosine = math.Max(0, float64(vector.Cosine(responseEmb, textEmb)))
	}

	mem := utils.TokenSet(text)
	if len(mem) > 0 {
		resp := utils.TokenSet(response)
		shared := 0
		for t := range mem {
			if _, ok := resp[t]; ok {
				shared++
			}
		}
		f.Lexical = float64(shared) / float64(len(mem))
	}
	return f
}

// DefaultWeights are the predictor weights before the first fit, in the order
// bias, cosine, lexical, rank.
var DefaultWeights = []float64{0, 0.6, 0.3, 0.1}

// ridge keeps the normal equations solvable when features are collinear.
const ridge = 1e-3

// Predictor is a linear model over Features. It is safe for concurrent use.
type Predictor struct {
	mu      sync.RWMutex
	weights []float64
}

// NewPredictor returns a predictor with the given weights, or DefaultWeights
// when weights is empty.
func NewPredictor(weights []float64) *Predictor {
	if len(weights) != len(DefaultWeights) {
		weights = DefaultWeights
	}
	return &Predictor{weights: slices.Clone(weights)}
}

// Predict returns the weight for f, clamped to [0, 1].
func (p *Predictor) Predict(f Features) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sum := 0.0
	for i, x := range f.vector() {
		sum += p.weights[i] * x
	}
	return math.Max(0, math.Min(1, sum))
}

// Weights returns a copy of the current weights.
func (p *Predictor) Weights() []float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.weights)
}

// Fit replaces the weights with the ridge least-squares solution mapping xs
// to ys. It needs at least as many samples as weights.
func (p *Predictor) Fit(xs []Features, ys []float64) error {
	n := len(DefaultWeights)
	if len(xs) != len(ys) {
		return errors.New("feature and target counts differ")
	}
	if len(xs) < n {
		return errors.New("not enough samples to fit")
	}

	// Normal equations: (XᵀX + λI) w = Xᵀy, as an augmented matrix.
	a := make([][]float64, n)
	for i := range a {
		a[i] = make([]float64, n+1)
		a[i][i] = ridge
	}
	for k, f := range xs {
		row := f.vector()
		for i := range n {
			for j := range n {
				a[i][j] += row[i] * row[j]
			}
			a[i][n] += row[i] * ys[k]
		}
	}

	w, err := solve(a)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.weights = w
	p.mu.Unlock()
	return nil
}

// solve runs Gaussian elimination with partial pivoting on an n×(n+1)
// augmented matrix.
func solve(a [][]float64) ([]float64, error) {
	n := len(a)
	for col := range n {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, errors.New("singular system")
		}
		a[col], a[pivot] = a[pivot], a[col]

		for r := col + 1; r < n; r++ {
			factor := a[r][col] / a[col][col]
			for c := col; c <= n; c++ {
				a[r][c] -= factor * a[col][c]
			}
		}
	}

	w := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := a[r][n]
		for c := r + 1; c < n; c++ {
			sum -= a[r][c] * w[c]
		}
		w[r] = sum / a[r][r]
	}
	return w, nil
}

// Pearson returns the correlation of xs and ys. ok is false when either
// series has no variance or the lengths differ.
func Pearson(xs, ys []float64) (r float64, ok bool) {
	if len(xs) != len(ys) || len(xs) < 2 {
		return 0, false
	}

	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx /= float64(len(xs))
	my /= float64(len(ys))

	var cov, vx, vy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx < 1e-12 || vy < 1e-12 {
		return 0, false
	}
	return cov / math.Sqrt(vx*vy), true
}
