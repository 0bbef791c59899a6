// Package correlation measures how strategy or asset return series move
// together: pairwise and rolling correlation, regime-conditioned
// correlation, and correlation forecasting models.
package correlation

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

// minObservations is the shortest series any estimator accepts.
const minObservations = 3

// Method selects a correlation estimator.
type Method string

const (
	Pearson  Method = "pearson"
	Spearman Method = "spearman"
	Kendall  Method = "kendall"
)

// ParseMethod maps a name onto a Method. Empty means Pearson.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case "":
		return Pearson, nil
	case Pearson, Spearman, Kendall:
		return m, nil
	}
	return "", fmt.Errorf("%w: correlation method %q", domain.ErrUnknownMethod, s)
}

// Matrix is a labelled symmetric correlation matrix.
type Matrix struct {
	Names  []string    `json:"names"`
	Values [][]float64 `json:"values"`
}

// At returns the correlation between series i and j.
func (m Matrix) At(i, j int) float64 { return m.Values[i][j] }

func fromSym(names []string, s mat.Symmetric) Matrix {
	n := s.SymmetricDim()
	out := Matrix{Names: slices.Clone(names), Values: make([][]float64, n)}
	for i := range n {
		out.Values[i] = make([]float64, n)
		for j := range n {
			out.Values[i][j] = s.At(i, j)
		}
	}
	return out
}

// Analyzer computes sample correlations.
type Analyzer struct {
	logger *slog.Logger
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(logger *slog.Logger) *Analyzer {
	return &Analyzer{logger: logger.With(slog.String("component", "correlation_analyzer"))}
}

// Pairwise returns the correlation of x and y. A constant series has no
// defined correlation and yields 0.
func (a *Analyzer) Pairwise(x, y []float64, method Method) (float64, error) {
	if len(x) != len(y) {
		return 0, fmt.Errorf("%w: %d vs %d observations", domain.ErrLengthMismatch, len(x), len(y))
	}
	if len(x) < minObservations {
		return 0, fmt.Errorf("%w: need at least %d observations", domain.ErrInsufficientData, minObservations)
	}
	var r float64
	switch method {
	case Pearson, "":
		r = stat.Correlation(x, y, nil)
	case Spearman:
		r = stat.Correlation(ranks(x), ranks(y), nil)
	case Kendall:
		r = stat.Kendall(x, y, nil)
	default:
		return 0, fmt.Errorf("%w: correlation method %q", domain.ErrUnknownMethod, method)
	}
	if math.IsNaN(r) || math.IsInf(r, 0) {
		a.logger.Warn("correlation undefined for constant series, using 0", slog.String("method", string(method)))
		return 0, nil
	}
	return r, nil
}

// Matrix returns the pairwise correlation of every series.
func (a *Analyzer) Matrix(names []string, series [][]float64, method Method) (Matrix, error) {
	if _, err := validateSeries(names, series); err != nil {
		return Matrix{}, err
	}
	p := len(series)
	sym := mat.NewSymDense(p, nil)
	for i := range p {
		sym.SetSym(i, i, 1)
		for j := i + 1; j < p; j++ {
			r, err := a.Pairwise(series[i], series[j], method)
			if err != nil {
				return Matrix{}, fmt.Errorf("correlation: %s/%s: %w", names[i], names[j], err)
			}
			sym.SetSym(i, j, r)
		}
	}
	return fromSym(names, sym), nil
}

// Rolling returns the correlation over each trailing window of x and y.
// Element k covers observations [k, k+window).
func (a *Analyzer) Rolling(x, y []float64, window int, method Method) ([]float64, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("%w: %d vs %d observations", domain.ErrLengthMismatch, len(x), len(y))
	}
	if window < minObservations {
		return nil, fmt.Errorf("%w: window must be at least %d", domain.ErrInvalidInput, minObservations)
	}
	if len(x) < window {
		return nil, fmt.Errorf("%w: %d observations for window %d", domain.ErrInsufficientData, len(x), window)
	}
	out := make([]float64, 0, len(x)-window+1)
	for k := 0; k+window <= len(x); k++ {
		r, err := a.Pairwise(x[k:k+window], y[k:k+window], method)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// validateSeries checks labels and equal lengths and returns the common
// length.
func validateSeries(names []string, series [][]float64) (int, error) {
	if len(series) < 2 {
		return 0, fmt.Errorf("%w: need at least two series", domain.ErrInvalidInput)
	}
	if len(names) != len(series) {
		return 0, fmt.Errorf("%w: %d names for %d series", domain.ErrLengthMismatch, len(names), len(series))
	}
	n := len(series[0])
	for i, s := range series {
		if len(s) != n {
			return 0, fmt.Errorf("%w: series %q has %d observations, want %d", domain.ErrLengthMismatch, names[i], len(s), n)
		}
	}
	if n < minObservations {
		return 0, fmt.Errorf("%w: need at least %d observations", domain.ErrInsufficientData, minObservations)
	}
	return n, nil
}

// ranks returns 1-based ranks with ties sharing their average rank.
func ranks(x []float64) []float64 {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int { return cmp.Compare(x[a], x[b]) })
	out := make([]float64, len(x))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && x[idx[j+1]] == x[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = avg
		}
		i = j + 1
	}
	return out
}

// column returns observation t across all series.
func column(series [][]float64, t int) []float64 {
	out := make([]float64, len(series))
	for i, s := range series {
		out[i] = s[t]
	}
	return out
}
