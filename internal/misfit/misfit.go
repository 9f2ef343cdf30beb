// Package misfit scores predicted apparent resistivities against observations.
package misfit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/verte-zerg/vesfit/internal/model"
)

// QualityLimit is the per-point discrepancy, in percent, at which a point is flagged.
const QualityLimit = 100.0

// MinError is the smallest relative error, in percent, used for weighting.
const MinError = 0.5

// Evaluator computes a misfit between two equally sized positive sequences.
type Evaluator interface {
	Evaluate(predicted, observed []float64) (Result, error)
}

// Result holds per-point signed discrepancies in percent and a scalar aggregate.
type Result struct {
	PerPoint  []float64
	Aggregate float64
}

// Failures returns the indices whose discrepancy reaches QualityLimit.
func (r Result) Failures() []int {
	var out []int
	for i, v := range r.PerPoint {
		if math.Abs(v) >= QualityLimit {
			out = append(out, i)
		}
	}
	return out
}

// RMS returns the root-mean-square of the per-point discrepancies.
func (r Result) RMS() float64 {
	if len(r.PerPoint) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(r.PerPoint, r.PerPoint) / float64(len(r.PerPoint)))
}

// LogSquares sums squared log10 residuals.
type LogSquares struct{}

// Evaluate implements Evaluator.
func (LogSquares) Evaluate(predicted, observed []float64) (Result, error) {
	res, err := logResiduals(predicted, observed)
	if err != nil {
		return Result{}, err
	}
	return Result{
		PerPoint:  perPoint(predicted, observed),
		Aggregate: floats.Dot(res, res),
	}, nil
}

// ErrorWeighted divides each log residual by the log-width of its error bar.
type ErrorWeighted struct {
	// Errors holds relative errors in percent, parallel to the observations.
	Errors []float64
}

// Evaluate implements Evaluator.
func (e ErrorWeighted) Evaluate(predicted, observed []float64) (Result, error) {
	if len(e.Errors) != len(observed) {
		return Result{}, fmt.Errorf("%w: %d errors for %d observations", model.ErrInvalidInput, len(e.Errors), len(observed))
	}
	res, err := logResiduals(predicted, observed)
	if err != nil {
		return Result{}, err
	}
	for i, pct := range e.Errors {
		res[i] /= math.Log10(1 + math.Max(pct, MinError)/100)
	}
	return Result{
		PerPoint:  perPoint(predicted, observed),
		Aggregate: floats.Dot(res, res),
	}, nil
}

// ByName resolves an evaluator. The curve supplies error bars for "error-weighted".
func ByName(name string, curve model.SoundingCurve) (Evaluator, error) {
	switch name {
	case "", "log-squares":
		return LogSquares{}, nil
	case "error-weighted":
		return ErrorWeighted{Errors: curve.RelativeErrors()}, nil
	default:
		return nil, fmt.Errorf("%w: unknown misfit %q", model.ErrInvalidInput, name)
	}
}

func logResiduals(predicted, observed []float64) ([]float64, error) {
	if len(predicted) == 0 {
		return nil, fmt.Errorf("%w: empty sequences", model.ErrInvalidInput)
	}
	if len(predicted) != len(observed) {
		return nil, fmt.Errorf("%w: %d predicted vs %d observed", model.ErrInvalidInput, len(predicted), len(observed))
	}
	lp := make([]float64, len(predicted))
	lo := make([]float64, len(observed))
	for i := range predicted {
		if !(predicted[i] > 0) || math.IsInf(predicted[i], 0) {
			return nil, fmt.Errorf("%w: predicted %d is %g", model.ErrInvalidInput, i, predicted[i])
		}
		if !(observed[i] > 0) || math.IsInf(observed[i], 0) {
			return nil, fmt.Errorf("%w: observed %d is %g", model.ErrInvalidInput, i, observed[i])
		}
		lp[i] = math.Log10(predicted[i])
		lo[i] = math.Log10(observed[i])
	}
	return floats.SubTo(lp, lp, lo), nil
}

func perPoint(predicted, observed []float64) []float64 {
	out := make([]float64, len(predicted))
	for i := range predicted {
		out[i] = 100 * (predicted[i] - observed[i]) / observed[i]
	}
	return out
}
