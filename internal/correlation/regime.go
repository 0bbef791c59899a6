package correlation

import (
	"fmt"
	"log/slog"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/alanyoungcy/tcaengine/internal/domain"
)

const (
	minRegimeObservations = 3
	varianceFloor         = 1e-12
	densityFloor          = 1e-300
)

// HMMConfig bounds Baum-Welch fitting.
type HMMConfig struct {
	MaxIterations int
	Tolerance     float64
	// SelfTransition seeds the diagonal of the initial transition matrix.
	SelfTransition float64
}

// DefaultHMMConfig returns the fitting defaults.
func DefaultHMMConfig() HMMConfig {
	return HMMConfig{MaxIterations: 200, Tolerance: 1e-6, SelfTransition: 0.9}
}

// HMM is a fitted univariate Gaussian hidden Markov model. States are
// ordered by ascending variance.
type HMM struct {
	Initial       []float64   `json:"initial"`
	Transition    [][]float64 `json:"transition"`
	Means         []float64   `json:"means"`
	Variances     []float64   `json:"variances"`
	LogLikelihood float64     `json:"log_likelihood"`
	Iterations    int         `json:"iterations"`
	Converged     bool        `json:"converged"`
}

// Regime summarises one hidden state.
type Regime struct {
	ID          int     `json:"id"`
	Label       string  `json:"label"`
	Mean        float64 `json:"mean"`
	Volatility  float64 `json:"volatility"`
	Count       int     `json:"count"`
	Fraction    float64 `json:"fraction"`
	Correlation *Matrix `json:"correlation,omitempty"`
}

// RegimeAnalysis is the result of regime-conditioned correlation.
type RegimeAnalysis struct {
	Names         []string `json:"names"`
	States        []int    `json:"states"`
	Regimes       []Regime `json:"regimes"`
	CurrentRegime int      `json:"current_regime"`
	Model         HMM      `json:"model"`
	Overall       Matrix   `json:"overall_correlation"`
}

// RegimeAnalyzer detects volatility regimes and correlates series within
// each.
type RegimeAnalyzer struct {
	cfg      HMMConfig
	analyzer *Analyzer
	logger   *slog.Logger
}

// NewRegimeAnalyzer creates a RegimeAnalyzer.
func NewRegimeAnalyzer(cfg HMMConfig, analyzer *Analyzer, logger *slog.Logger) *RegimeAnalyzer {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultHMMConfig().MaxIterations
	}
	if cfg.SelfTransition <= 0 || cfg.SelfTransition >= 1 {
		cfg.SelfTransition = DefaultHMMConfig().SelfTransition
	}
	return &RegimeAnalyzer{
		cfg:      cfg,
		analyzer: analyzer,
		logger:   logger.With(slog.String("component", "regime_analyzer")),
	}
}

// Analyze fits a k-state HMM to the equal-weighted mean return of the
// series, decodes the most likely state path and correlates the series
// within each regime. Regimes with fewer than three observations carry no
// correlation matrix.
func (r *RegimeAnalyzer) Analyze(names []string, series [][]float64, k int) (RegimeAnalysis, error) {
	n, err := validateSeries(names, series)
	if err != nil {
		return RegimeAnalysis{}, err
	}
	driver := make([]float64, n)
	for t := range n {
		driver[t] = stat.Mean(column(series, t), nil)
	}

	model, states, err := r.Fit(driver, k)
	if err != nil {
		return RegimeAnalysis{}, err
	}
	overall, err := r.analyzer.Matrix(names, series, Pearson)
	if err != nil {
		return RegimeAnalysis{}, err
	}

	res := RegimeAnalysis{
		Names:         slices.Clone(names),
		States:        states,
		Model:         model,
		Overall:       overall,
		CurrentRegime: states[len(states)-1],
	}
	for s := range k {
		var idx []int
		for t, st := range states {
			if st == s {
				idx = append(idx, t)
			}
		}
		reg := Regime{
			ID:         s,
			Label:      regimeLabel(s, k),
			Mean:       model.Means[s],
			Volatility: math.Sqrt(model.Variances[s]),
			Count:      len(idx),
			Fraction:   float64(len(idx)) / float64(n),
		}
		if len(idx) >= minRegimeObservations {
			sub := make([][]float64, len(series))
			for i, col := range series {
				sub[i] = make([]float64, len(idx))
				for j, t := range idx {
					sub[i][j] = col[t]
				}
			}
			m, err := r.analyzer.Matrix(names, sub, Pearson)
			if err != nil {
				r.logger.Warn("regime correlation failed", slog.Int("regime", s), slog.String("error", err.Error()))
			} else {
				reg.Correlation = &m
			}
		}
		res.Regimes = append(res.Regimes, reg)
	}
	return res, nil
}

// Fit runs Baum-Welch on x and returns the model with its Viterbi path.
func (r *RegimeAnalyzer) Fit(x []float64, k int) (HMM, []int, error) {
	if k < 2 || k > 5 {
		return HMM{}, nil, fmt.Errorf("%w: regimes must be between 2 and 5", domain.ErrInvalidInput)
	}
	if need := max(10, 5*k); len(x) < need {
		return HMM{}, nil, fmt.Errorf("%w: %d observations for %d regimes, need %d", domain.ErrInsufficientData, len(x), k, need)
	}

	h := r.initial(x, k)
	prev := math.Inf(-1)
	for it := 1; it <= r.cfg.MaxIterations; it++ {
		ll := h.step(x)
		h.Iterations = it
		h.LogLikelihood = ll
		if math.Abs(ll-prev) < r.cfg.Tolerance {
			h.Converged = true
			break
		}
		prev = ll
	}
	if !h.Converged {
		r.logger.Warn("hmm did not converge", slog.Int("iterations", h.Iterations))
	}
	h.order()
	h.LogLikelihood = h.loglik(x)
	return h, h.viterbi(x), nil
}

func (r *RegimeAnalyzer) initial(x []float64, k int) HMM {
	sorted := slices.Clone(x)
	slices.Sort(sorted)
	v := math.Max(stat.Variance(x, nil), varianceFloor)

	h := HMM{
		Initial:    make([]float64, k),
		Transition: make([][]float64, k),
		Means:      make([]float64, k),
		Variances:  make([]float64, k),
	}
	off := (1 - r.cfg.SelfTransition) / float64(k-1)
	for i := range k {
		h.Initial[i] = 1 / float64(k)
		h.Means[i] = stat.Quantile((float64(i)+0.5)/float64(k), stat.Empirical, sorted, nil)
		h.Variances[i] = v * (0.5 + float64(i))
		h.Transition[i] = make([]float64, k)
		for j := range k {
			h.Transition[i][j] = off
		}
		h.Transition[i][i] = r.cfg.SelfTransition
	}
	return h
}

func (h *HMM) density(i int, x float64) float64 {
	v := h.Variances[i]
	d := x - h.Means[i]
	p := math.Exp(-d*d/(2*v)) / math.Sqrt(2*math.Pi*v)
	return math.Max(p, densityFloor)
}

// forward returns scaled forward variables and the scale factors.
func (h *HMM) forward(x []float64) ([][]float64, []float64) {
	k, n := len(h.Means), len(x)
	alpha := make([][]float64, n)
	scale := make([]float64, n)
	for t := range n {
		alpha[t] = make([]float64, k)
		for j := range k {
			if t == 0 {
				alpha[t][j] = h.Initial[j] * h.density(j, x[t])
				continue
			}
			var s float64
			for i := range k {
				s += alpha[t-1][i] * h.Transition[i][j]
			}
			alpha[t][j] = s * h.density(j, x[t])
		}
		scale[t] = floats.Sum(alpha[t])
		if scale[t] <= 0 {
			scale[t] = densityFloor
		}
		floats.Scale(1/scale[t], alpha[t])
	}
	return alpha, scale
}

func (h *HMM) loglik(x []float64) float64 {
	_, scale := h.forward(x)
	var ll float64
	for _, c := range scale {
		ll += math.Log(c)
	}
	return ll
}

// step runs one Baum-Welch iteration and returns the log-likelihood of the
// parameters it started from.
func (h *HMM) step(x []float64) float64 {
	k, n := len(h.Means), len(x)
	alpha, scale := h.forward(x)

	beta := make([][]float64, n)
	beta[n-1] = make([]float64, k)
	for i := range k {
		beta[n-1][i] = 1
	}
	for t := n - 2; t >= 0; t-- {
		beta[t] = make([]float64, k)
		for i := range k {
			var s float64
			for j := range k {
				s += h.Transition[i][j] * h.density(j, x[t+1]) * beta[t+1][j]
			}
			beta[t][i] = s / scale[t+1]
		}
	}

	gamma := make([][]float64, n)
	for t := range n {
		gamma[t] = make([]float64, k)
		for i := range k {
			gamma[t][i] = alpha[t][i] * beta[t][i]
		}
		if s := floats.Sum(gamma[t]); s > 0 {
			floats.Scale(1/s, gamma[t])
		}
	}

	xi := make([][]float64, k)
	for i := range k {
		xi[i] = make([]float64, k)
	}
	for t := 0; t < n-1; t++ {
		for i := range k {
			for j := range k {
				xi[i][j] += alpha[t][i] * h.Transition[i][j] * h.density(j, x[t+1]) * beta[t+1][j] / scale[t+1]
			}
		}
	}

	copy(h.Initial, gamma[0])
	for i := range k {
		if row := floats.Sum(xi[i]); row > 0 {
			for j := range k {
				h.Transition[i][j] = xi[i][j] / row
			}
		}
		var w, mx float64
		for t := range n {
			w += gamma[t][i]
			mx += gamma[t][i] * x[t]
		}
		if w <= 0 {
			continue
		}
		mu := mx / w
		var vs float64
		for t := range n {
			d := x[t] - mu
			vs += gamma[t][i] * d * d
		}
		h.Means[i] = mu
		h.Variances[i] = math.Max(vs/w, varianceFloor)
	}

	var ll float64
	for _, c := range scale {
		ll += math.Log(c)
	}
	return ll
}

// order relabels states by ascending variance.
func (h *HMM) order() {
	k := len(h.Means)
	perm := make([]int, k)
	for i := range perm {
		perm[i] = i
	}
	slices.SortStableFunc(perm, func(a, b int) int {
		switch {
		case h.Variances[a] < h.Variances[b]:
			return -1
		case h.Variances[a] > h.Variances[b]:
			return 1
		}
		return 0
	})

	out := HMM{
		Initial:       make([]float64, k),
		Transition:    make([][]float64, k),
		Means:         make([]float64, k),
		Variances:     make([]float64, k),
		LogLikelihood: h.LogLikelihood,
		Iterations:    h.Iterations,
		Converged:     h.Converged,
	}
	for ni, oi := range perm {
		out.Initial[ni] = h.Initial[oi]
		out.Means[ni] = h.Means[oi]
		out.Variances[ni] = h.Variances[oi]
		out.Transition[ni] = make([]float64, k)
		for nj, oj := range perm {
			out.Transition[ni][nj] = h.Transition[oi][oj]
		}
	}
	*h = out
}

// viterbi returns the most likely state path.
func (h *HMM) viterbi(x []float64) []int {
	k, n := len(h.Means), len(x)
	logp := func(p float64) float64 { return math.Log(math.Max(p, densityFloor)) }

	delta := make([]float64, k)
	back := make([][]int, n)
	for j := range k {
		delta[j] = logp(h.Initial[j]) + logp(h.density(j, x[0]))
	}
	for t := 1; t < n; t++ {
		next := make([]float64, k)
		back[t] = make([]int, k)
		for j := range k {
			best, arg := math.Inf(-1), 0
			for i := range k {
				if v := delta[i] + logp(h.Transition[i][j]); v > best {
					best, arg = v, i
				}
			}
			next[j] = best + logp(h.density(j, x[t]))
			back[t][j] = arg
		}
		delta = next
	}

	path := make([]int, n)
	path[n-1] = floats.MaxIdx(delta)
	for t := n - 1; t > 0; t-- {
		path[t-1] = back[t][path[t]]
	}
	return path
}

func regimeLabel(s, k int) string {
	switch {
	case k == 2 && s == 0, k == 3 && s == 0:
		return "low_volatility"
	case k == 2 && s == 1, k == 3 && s == 2:
		return "high_volatility"
	case k == 3 && s == 1:
		return "normal"
	}
	return fmt.Sprintf("regime_%d", s)
}
