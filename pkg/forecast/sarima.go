package forecast

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

const (
	seasonPeriod = 7
	// minSeasonalLength is the shortest series the weekly term is fitted on.
	minSeasonalLength = 4 * seasonPeriod
	// z95 is the two-sided 95% normal quantile.
	z95 = 1.959963984540054
)

var errShortSeries = errors.New("series too short to fit")

// Prediction is one forecast step with its interval.
type Prediction struct {
	Mean  float64
	Lower float64
	Upper float64
}

// Naive holds the last value for horizon steps with a zero-width band.
func Naive(values []float64, horizon int) []Prediction {
	var last float64
	if len(values) > 0 {
		last = values[len(values)-1]
	}
	out := make([]Prediction, horizon)
	for i := range out {
		out[i] = Prediction{Mean: last, Lower: last, Upper: last}
	}
	return out
}

// SARIMA is a fitted ARIMA(1,1,1) model with an optional multiplicative (1,0,1) weekly term.
// The differenced series w follows w[t] = sum(ar[k]*w[t-k]) + e[t] + sum(ma[k]*e[t-k]).
type SARIMA struct {
	Phi, Theta         float64
	SeasPhi, SeasTheta float64
	Seasonal           bool
	Sigma2             float64

	ar, ma []float64 // lag polynomials indexed by lag, index 0 unused
	y      []float64
	w      []float64
	resid  []float64
}

// FitSARIMA estimates the model by conditional sum of squares. Coefficients are kept inside
// (-1, 1) through a tanh transform.
func FitSARIMA(y []float64, seasonal bool) (*SARIMA, error) {
	nParams := 2
	if seasonal {
		nParams = 4
	}
	lags := 1
	if seasonal {
		lags = seasonPeriod + 1
	}
	if len(y)-1 < lags+nParams+2 {
		return nil, fmt.Errorf("%w: %d points", errShortSeries, len(y))
	}
	for _, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("series contains non-finite values")
		}
	}

	w := make([]float64, len(y)-1)
	for t := 1; t < len(y); t++ {
		w[t-1] = y[t] - y[t-1]
	}

	build := func(x []float64) *SARIMA {
		m := &SARIMA{Phi: math.Tanh(x[0]), Theta: math.Tanh(x[1]), Seasonal: seasonal, y: y, w: w}
		if seasonal {
			m.SeasPhi, m.SeasTheta = math.Tanh(x[2]), math.Tanh(x[3])
		}
		m.polys()
		return m
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			sse, _ := build(x).css()
			if math.IsNaN(sse) || math.IsInf(sse, 0) {
				return math.MaxFloat64
			}
			return sse
		},
	}
	settings := &optimize.Settings{MajorIterations: 400, FuncEvaluations: 4000}
	res, err := optimize.Minimize(problem, make([]float64, nParams), settings, &optimize.NelderMead{})
	if res == nil {
		return nil, fmt.Errorf("minimize css: %w", err)
	}
	if math.IsNaN(res.F) || math.IsInf(res.F, 0) || res.F == math.MaxFloat64 {
		return nil, fmt.Errorf("minimize css: objective did not converge (%v)", err)
	}

	m := build(res.X)
	sse, n := m.css()
	dof := n - nParams
	if dof < 1 {
		return nil, fmt.Errorf("%w: %d residuals", errShortSeries, n)
	}
	m.Sigma2 = sse / float64(dof)
	return m, nil
}

func (m *SARIMA) polys() {
	if !m.Seasonal {
		m.ar = []float64{0, m.Phi}
		m.ma = []float64{0, m.Theta}
		return
	}
	m.ar = make([]float64, seasonPeriod+2)
	m.ma = make([]float64, seasonPeriod+2)
	m.ar[1], m.ar[seasonPeriod], m.ar[seasonPeriod+1] = m.Phi, m.SeasPhi, -m.Phi*m.SeasPhi
	m.ma[1], m.ma[seasonPeriod], m.ma[seasonPeriod+1] = m.Theta, m.SeasTheta, m.Theta*m.SeasTheta
}

func (m *SARIMA) order() int { return len(m.ar) - 1 }

// css fills the residuals and returns their sum of squares and count. Residuals before the
// first full lag window are taken as zero.
func (m *SARIMA) css() (float64, int) {
	p := m.order()
	m.resid = make([]float64, len(m.w))
	var sse float64
	for t := p; t < len(m.w); t++ {
		e := m.w[t]
		for k := 1; k <= p; k++ {
			e -= m.ar[k]*m.w[t-k] + m.ma[k]*m.resid[t-k]
		}
		m.resid[t] = e
		sse += e * e
	}
	return sse, len(m.w) - p
}

// Version names the fitted model.
func (m *SARIMA) Version() string {
	if m.Seasonal {
		return VersionSeasonalSARIMA
	}
	return VersionSARIMA
}

// Forecast predicts horizon steps past the end of the series with 95% intervals from the
// psi-weight expansion of the integrated model.
func (m *SARIMA) Forecast(horizon int) ([]Prediction, error) {
	p := m.order()
	n := len(m.w)
	w := append(make([]float64, 0, n+horizon), m.w...)
	e := append(make([]float64, 0, n+horizon), m.resid...)
	for h := 0; h < horizon; h++ {
		t := n + h
		var next float64
		for k := 1; k <= p; k++ {
			if t-k >= 0 {
				next += m.ar[k]*w[t-k] + m.ma[k]*e[t-k]
			}
		}
		w = append(w, next)
		e = append(e, 0)
	}

	psi := make([]float64, horizon)
	for j := range psi {
		if j == 0 {
			psi[j] = 1
			continue
		}
		if j <= p {
			psi[j] = m.ma[j]
		}
		for k := 1; k <= min(j, p); k++ {
			psi[j] += m.ar[k] * psi[j-k]
		}
	}

	out := make([]Prediction, horizon)
	level := m.y[len(m.y)-1]
	var cum, variance float64
	for h := range horizon {
		level += w[n+h]
		cum += psi[h]
		variance += cum * cum
		half := z95 * math.Sqrt(m.Sigma2*variance)
		out[h] = Prediction{Mean: level, Lower: level - half, Upper: level + half}
		if math.IsNaN(level) || math.IsInf(level, 0) || math.IsNaN(half) || math.IsInf(half, 0) {
			return nil, errors.New("forecast diverged")
		}
	}
	return out, nil
}
