// Package inverse refines a layered model so its forward response matches a sounding curve.
package inverse

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/optimize"

	"github.com/verte-zerg/vesfit/internal/forward"
	"github.com/verte-zerg/vesfit/internal/misfit"
	"github.com/verte-zerg/vesfit/internal/model"
)

// Options configures the simplex search.
type Options struct {
	// SideLength is the fractional size of the initial simplex.
	SideLength        float64
	RelativeThreshold float64
	AbsoluteThreshold float64
	// StallIterations is how many iterations may pass without improvement
	// beyond the thresholds before the search is considered converged.
	StallIterations int
	// MaxEvaluations of zero scales with the parameter count. MaxIterations
	// of zero allows twice the evaluation cap.
	MaxEvaluations int
	MaxIterations  int
	// MaxRuntime of zero means no wall-clock limit.
	MaxRuntime time.Duration

	Solver    forward.Solver
	Evaluator misfit.Evaluator
}

// DefaultOptions returns the standard search settings.
func DefaultOptions() Options {
	return Options{
		SideLength:        0.1,
		RelativeThreshold: 1e-10,
		AbsoluteThreshold: 1e-30,
		StallIterations:   50,
	}
}

// EvaluationsPerParameter sizes the default evaluation cap.
const EvaluationsPerParameter = 1000

// Budget resolves the evaluation and iteration caps for a search over dim
// parameters.
func (o Options) Budget(dim int) (evaluations, iterations int) {
	evaluations = o.MaxEvaluations
	if evaluations <= 0 {
		evaluations = EvaluationsPerParameter * dim
	}
	iterations = o.MaxIterations
	if iterations <= 0 {
		iterations = 2 * evaluations
	}
	return evaluations, iterations
}

// FromConfig applies shared fit settings on top of the defaults.
func FromConfig(cfg model.FitConfig) Options {
	opts := DefaultOptions()
	if cfg.SideLength > 0 {
		opts.SideLength = cfg.SideLength
	}
	if cfg.RelativeThreshold > 0 {
		opts.RelativeThreshold = cfg.RelativeThreshold
	}
	if cfg.AbsoluteThreshold > 0 {
		opts.AbsoluteThreshold = cfg.AbsoluteThreshold
	}
	if cfg.StallIterations > 0 {
		opts.StallIterations = cfg.StallIterations
	}
	if cfg.MaxEvaluations > 0 {
		opts.MaxEvaluations = cfg.MaxEvaluations
	}
	if cfg.MaxIterations > 0 {
		opts.MaxIterations = cfg.MaxIterations
	}
	return opts
}

// Result is a refined model and the search statistics.
type Result struct {
	Model         model.LayeredModel
	Misfit        float64
	InitialMisfit float64
	Evaluations   int
	Iterations    int
}

// Optimize minimizes the misfit between the forward response of a model and
// the curve, starting from initial. The returned model has the same layer count.
func Optimize(ctx context.Context, curve model.SoundingCurve, initial model.LayeredModel, opts Options) (Result, error) {
	if err := curve.Validate(); err != nil {
		return Result{}, err
	}
	if err := initial.Validate(); err != nil {
		return Result{}, err
	}
	if !(opts.SideLength > 0) {
		return Result{}, fmt.Errorf("%w: side length %g", model.ErrInvalidInput, opts.SideLength)
	}
	if opts.Solver == nil {
		opts.Solver = forward.Filter{}
	}
	if opts.Evaluator == nil {
		opts.Evaluator = misfit.LogSquares{}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	spacings := curve.Spacings()
	observed := curve.ApparentResistivities()
	layers := initial.Len()

	objective := func(x []float64) float64 {
		m, ok := decode(x, layers)
		if !ok {
			return math.Inf(1)
		}
		predicted, err := opts.Solver.Solve(m, spacings)
		if err != nil {
			return math.Inf(1)
		}
		res, err := opts.Evaluator.Evaluate(predicted, observed)
		if err != nil || math.IsNaN(res.Aggregate) {
			return math.Inf(1)
		}
		return res.Aggregate
	}

	x0 := encode(initial)
	initialMisfit := objective(x0)
	if math.IsInf(initialMisfit, 1) {
		predicted, err := opts.Solver.Solve(initial, spacings)
		if err != nil {
			return Result{}, err
		}
		if _, err := opts.Evaluator.Evaluate(predicted, observed); err != nil {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: initial misfit is not finite", model.ErrInvalidInput)
	}

	problem := optimize.Problem{
		Func: objective,
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}
	maxEvals, maxIters := opts.Budget(len(x0))
	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Absolute:   opts.AbsoluteThreshold,
			Relative:   opts.RelativeThreshold,
			Iterations: opts.StallIterations,
		},
		FuncEvaluations: maxEvals,
		MajorIterations: maxIters,
		Runtime:         opts.MaxRuntime,
	}
	method := &optimize.NelderMead{
		Reflection:  1,
		Expansion:   2,
		Contraction: 0.5,
		Shrink:      0.5,
		SimplexSize: math.Log1p(opts.SideLength),
	}

	res, err := optimize.Minimize(problem, x0, settings, method)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", model.ErrNonConvergent, err)
	}
	switch res.Status {
	case optimize.FunctionEvaluationLimit, optimize.IterationLimit, optimize.RuntimeLimit:
		return Result{}, fmt.Errorf("%w: %v after %d evaluations", model.ErrNonConvergent, res.Status, res.FuncEvaluations)
	}

	best, ok := decode(res.X, layers)
	if !ok || math.IsInf(res.F, 0) || math.IsNaN(res.F) {
		return Result{}, fmt.Errorf("%w: no finite model found", model.ErrNonConvergent)
	}
	out := Result{
		Model:         best,
		Misfit:        res.F,
		InitialMisfit: initialMisfit,
		Evaluations:   res.FuncEvaluations,
		Iterations:    res.MajorIterations,
	}
	if out.Misfit > initialMisfit {
		out.Model = initial.Clone()
		out.Misfit = initialMisfit
	}
	return out, nil
}

// encode flattens a model into natural-log resistivities followed by log thicknesses.
func encode(m model.LayeredModel) []float64 {
	n := m.Len()
	x := make([]float64, 0, 2*n-1)
	for _, l := range m.Layers {
		x = append(x, math.Log(l.Resistivity))
	}
	for _, l := range m.Layers[:n-1] {
		x = append(x, math.Log(l.Thickness))
	}
	return x
}

func decode(x []float64, layers int) (model.LayeredModel, bool) {
	if len(x) != 2*layers-1 {
		return model.LayeredModel{}, false
	}
	m := model.LayeredModel{Layers: make([]model.Layer, layers)}
	for i := range m.Layers {
		m.Layers[i].Resistivity = math.Exp(x[i])
		if i < layers-1 {
			m.Layers[i].Thickness = math.Exp(x[layers+i])
		}
	}
	if m.Validate() != nil {
		return model.LayeredModel{}, false
	}
	return m, true
}
