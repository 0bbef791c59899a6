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

// Model names a correlation forecasting model.
type Model string

const (
	ModelSample     Model = "sample"
	ModelEWMA       Model = "ewma"
	ModelDCC        Model = "dcc_garch"
	ModelLedoitWolf Model = "ledoit_wolf"
)

// AllModels lists the forecasting models in comparison order.
var AllModels = []Model{ModelSample, ModelEWMA, ModelDCC, ModelLedoitWolf}

// ParseModel maps a name onto a Model. Empty means DCC.
func ParseModel(s string) (Model, error) {
	if s == "" {
		return ModelDCC, nil
	}
	for _, m := range AllModels {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: correlation model %q", domain.ErrUnknownMethod, s)
}

// ModelsConfig holds model constants.
type ModelsConfig struct {
	EWMALambda float64
}

// DefaultModelsConfig uses the RiskMetrics decay.
func DefaultModelsConfig() ModelsConfig {
	return ModelsConfig{EWMALambda: 0.94}
}

// Forecast is a one-step-ahead correlation forecast.
type Forecast struct {
	Model  Model              `json:"model"`
	Matrix Matrix             `json:"matrix"`
	Params map[string]float64 `json:"params,omitempty"`
}

// ModelScore ranks a model by how well it forecast a holdout window.
type ModelScore struct {
	Model    Model    `json:"model"`
	RMSE     float64  `json:"rmse"`
	Forecast Forecast `json:"forecast"`
}

// GARCHFit is a fitted GARCH(1,1) on one demeaned return series.
type GARCHFit struct {
	Omega         float64   `json:"omega"`
	Alpha         float64   `json:"alpha"`
	Beta          float64   `json:"beta"`
	LogLikelihood float64   `json:"log_likelihood"`
	Variances     []float64 `json:"-"`
	// Next is the one-step-ahead variance forecast.
	Next float64 `json:"next_variance"`
}

// Models fits correlation forecasting models.
type Models struct {
	cfg    ModelsConfig
	logger *slog.Logger
}

// NewModels creates Models.
func NewModels(cfg ModelsConfig, logger *slog.Logger) *Models {
	if cfg.EWMALambda <= 0 || cfg.EWMALambda >= 1 {
		cfg.EWMALambda = DefaultModelsConfig().EWMALambda
	}
	return &Models{cfg: cfg, logger: logger.With(slog.String("component", "correlation_models"))}
}

// Forecast fits model to the return series.
func (m *Models) Forecast(model Model, names []string, series [][]float64) (Forecast, error) {
	if _, err := validateSeries(names, series); err != nil {
		return Forecast{}, err
	}
	switch model {
	case ModelSample:
		return Forecast{Model: model, Matrix: fromSym(names, sampleCorrelation(series))}, nil
	case ModelEWMA:
		return Forecast{
			Model:  model,
			Matrix: fromSym(names, m.EWMA(series)),
			Params: map[string]float64{"lambda": m.cfg.EWMALambda},
		}, nil
	case ModelDCC:
		r, a, b, err := m.DCC(series)
		if err != nil {
			return Forecast{}, err
		}
		return Forecast{Model: model, Matrix: fromSym(names, r), Params: map[string]float64{"a": a, "b": b}}, nil
	case ModelLedoitWolf:
		r, delta := LedoitWolf(series)
		return Forecast{Model: model, Matrix: fromSym(names, r), Params: map[string]float64{"shrinkage": delta}}, nil
	}
	return Forecast{}, fmt.Errorf("%w: correlation model %q", domain.ErrUnknownMethod, model)
}

// CompareModels fits every model on all but the last holdout observations
// and scores its forecast against the realised correlation of the holdout.
// Models that fail are logged and skipped. Results are ordered by RMSE.
func (m *Models) CompareModels(names []string, series [][]float64, holdout int) ([]ModelScore, error) {
	n, err := validateSeries(names, series)
	if err != nil {
		return nil, err
	}
	if holdout < minObservations || n-holdout < minObservations {
		return nil, fmt.Errorf("%w: holdout %d leaves too little data in %d observations", domain.ErrInsufficientData, holdout, n)
	}
	train := make([][]float64, len(series))
	test := make([][]float64, len(series))
	for i, s := range series {
		train[i], test[i] = s[:n-holdout], s[n-holdout:]
	}
	realised := sampleCorrelation(test)

	var out []ModelScore
	for _, model := range AllModels {
		f, err := m.Forecast(model, names, train)
		if err != nil {
			m.logger.Warn("model skipped in comparison",
				slog.String("model", string(model)),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, ModelScore{Model: model, RMSE: offDiagonalRMSE(f.Matrix, realised), Forecast: f})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: every model failed", domain.ErrInsufficientData)
	}
	slices.SortStableFunc(out, func(a, b ModelScore) int { return cmp.Compare(a.RMSE, b.RMSE) })
	return out, nil
}

// EWMA returns the exponentially weighted correlation at the end of the
// sample, seeded with the sample covariance.
func (m *Models) EWMA(series [][]float64) *mat.SymDense {
	x := demeaned(series)
	n, p := x.Dims()
	cov := mat.NewSymDense(p, nil)
	stat.CovarianceMatrix(cov, x, nil)

	lambda := m.cfg.EWMALambda
	for t := range n {
		row := x.RawRowView(t)
		cov.ScaleSym(lambda, cov)
		cov.SymRankOne(cov, 1-lambda, mat.NewVecDense(p, row))
	}
	return covToCorr(cov)
}

// FitGARCH fits GARCH(1,1) to r by maximum likelihood over a parameter grid,
// holding the unconditional variance at the sample variance.
func FitGARCH(r []float64) (GARCHFit, error) {
	if len(r) < 2*minObservations {
		return GARCHFit{}, fmt.Errorf("%w: garch needs at least %d observations", domain.ErrInsufficientData, 2*minObservations)
	}
	mean := stat.Mean(r, nil)
	e := make([]float64, len(r))
	var v float64
	for i, x := range r {
		e[i] = x - mean
		v += e[i] * e[i]
	}
	v /= float64(len(r))
	if v <= 0 {
		return GARCHFit{}, fmt.Errorf("%w: series has zero variance", domain.ErrInsufficientData)
	}

	best := GARCHFit{LogLikelihood: math.Inf(-1)}
	for a := 0.02; a <= 0.30+1e-9; a += 0.02 {
		for b := 0.50; b <= 0.98+1e-9; b += 0.02 {
			if a+b >= 0.999 {
				continue
			}
			omega := v * (1 - a - b)
			h := v
			var ll float64
			for _, x := range e {
				ll -= 0.5 * (math.Log(h) + x*x/h)
				h = omega + a*x*x + b*h
			}
			if ll > best.LogLikelihood {
				best = GARCHFit{Omega: omega, Alpha: a, Beta: b, LogLikelihood: ll}
			}
		}
	}

	best.Variances = make([]float64, len(e))
	h := v
	for i, x := range e {
		best.Variances[i] = h
		h = best.Omega + best.Alpha*x*x + best.Beta*h
	}
	best.Next = h
	return best, nil
}

// DCC fits univariate GARCH(1,1) to each series, then DCC(1,1) on the
// standardised residuals by grid search. It returns the one-step-ahead
// correlation forecast and the fitted (a, b).
func (m *Models) DCC(series [][]float64) (*mat.SymDense, float64, float64, error) {
	p := len(series)
	n := len(series[0])
	z := mat.NewDense(n, p, nil)
	for i, s := range series {
		g, err := FitGARCH(s)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("correlation: garch series %d: %w", i, err)
		}
		mean := stat.Mean(s, nil)
		for t, x := range s {
			z.Set(t, i, (x-mean)/math.Sqrt(g.Variances[t]))
		}
	}

	qbar := mat.NewSymDense(p, nil)
	stat.CovarianceMatrix(qbar, z, nil)

	bestLL, bestA, bestB := math.Inf(-1), 0.0, 0.0
	for a := 0.01; a <= 0.15+1e-9; a += 0.01 {
		for b := 0.70; b <= 0.98+1e-9; b += 0.02 {
			if a+b >= 0.999 {
				continue
			}
			if ll, ok := dccLogLikelihood(z, qbar, a, b); ok && ll > bestLL {
				bestLL, bestA, bestB = ll, a, b
			}
		}
	}
	if math.IsInf(bestLL, -1) {
		return nil, 0, 0, fmt.Errorf("%w: dcc likelihood undefined for every parameter pair", domain.ErrInsufficientData)
	}

	q := dccPath(z, qbar, bestA, bestB, nil)
	return covToCorr(q), bestA, bestB, nil
}

// dccPath runs the Q recursion over z and returns Q for the step after the
// sample. visit, when set, sees each in-sample Q_t with its residual row.
func dccPath(z *mat.Dense, qbar *mat.SymDense, a, b float64, visit func(q *mat.SymDense, row *mat.VecDense) bool) *mat.SymDense {
	n, p := z.Dims()
	q := mat.NewSymDense(p, nil)
	q.CopySym(qbar)
	next := mat.NewSymDense(p, nil)
	for t := range n {
		row := mat.NewVecDense(p, z.RawRowView(t))
		if visit != nil && !visit(q, row) {
			return nil
		}
		next.ScaleSym(1-a-b, qbar)
		next.SymRankOne(next, a, row)
		tmp := mat.NewSymDense(p, nil)
		tmp.ScaleSym(b, q)
		next.AddSym(next, tmp)
		q.CopySym(next)
	}
	return q
}

func dccLogLikelihood(z *mat.Dense, qbar *mat.SymDense, a, b float64) (float64, bool) {
	var (
		ll   float64
		chol mat.Cholesky
		sol  mat.VecDense
	)
	ok := true
	dccPath(z, qbar, a, b, func(q *mat.SymDense, row *mat.VecDense) bool {
		r := covToCorr(q)
		if !chol.Factorize(r) {
			ok = false
			return false
		}
		if err := chol.SolveVecTo(&sol, row); err != nil {
			ok = false
			return false
		}
		ll -= 0.5 * (chol.LogDet() + mat.Dot(row, &sol) - mat.Dot(row, row))
		return true
	})
	return ll, ok
}

// LedoitWolf shrinks the sample correlation of the standardised series
// towards the identity with the Ledoit-Wolf optimal intensity.
func LedoitWolf(series [][]float64) (*mat.SymDense, float64) {
	p := len(series)
	n := len(series[0])
	x := mat.NewDense(n, p, nil)
	for i, s := range series {
		mean, sd := stat.PopMeanStdDev(s, nil)
		for t, v := range s {
			if sd > 0 {
				x.Set(t, i, (v-mean)/sd)
			}
		}
	}

	sample := mat.NewSymDense(p, nil)
	sample.SymOuterK(1/float64(n), x.T())

	var d2 float64
	for i := range p {
		for j := range p {
			target := 0.0
			if i == j {
				target = 1
			}
			diff := sample.At(i, j) - target
			d2 += diff * diff
		}
	}

	var b2 float64
	for t := range n {
		row := x.RawRowView(t)
		for i := range p {
			for j := range p {
				diff := row[i]*row[j] - sample.At(i, j)
				b2 += diff * diff
			}
		}
	}
	b2 /= float64(n) * float64(n)

	delta := 0.0
	if d2 > 0 {
		delta = math.Min(b2, d2) / d2
	}
	out := mat.NewSymDense(p, nil)
	for i := range p {
		for j := i; j < p; j++ {
			v := (1 - delta) * sample.At(i, j)
			if i == j {
				v = 1
			}
			out.SetSym(i, j, v)
		}
	}
	return out, delta
}

func sampleCorrelation(series [][]float64) *mat.SymDense {
	x := demeaned(series)
	_, p := x.Dims()
	out := mat.NewSymDense(p, nil)
	stat.CorrelationMatrix(out, x, nil)
	for i := range p {
		for j := i; j < p; j++ {
			if math.IsNaN(out.At(i, j)) {
				v := 0.0
				if i == j {
					v = 1
				}
				out.SetSym(i, j, v)
			}
		}
	}
	return out
}

// demeaned lays series out as an n×p matrix with column means removed.
func demeaned(series [][]float64) *mat.Dense {
	p := len(series)
	n := len(series[0])
	x := mat.NewDense(n, p, nil)
	for i, s := range series {
		mean := stat.Mean(s, nil)
		for t, v := range s {
			x.Set(t, i, v-mean)
		}
	}
	return x
}

// covToCorr rescales a covariance matrix to unit diagonal. Zero-variance
// rows correlate 0 with everything else.
func covToCorr(cov mat.Symmetric) *mat.SymDense {
	p := cov.SymmetricDim()
	out := mat.NewSymDense(p, nil)
	for i := range p {
		out.SetSym(i, i, 1)
		for j := i + 1; j < p; j++ {
			d := math.Sqrt(cov.At(i, i) * cov.At(j, j))
			if d > 0 {
				out.SetSym(i, j, cov.At(i, j)/d)
			}
		}
	}
	return out
}

func offDiagonalRMSE(f Matrix, realised mat.Symmetric) float64 {
	p := realised.SymmetricDim()
	var sum float64
	var count int
	for i := range p {
		for j := i + 1; j < p; j++ {
			d := f.At(i, j) - realised.At(i, j)
			sum += d * d
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}
