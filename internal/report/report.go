// Package report assembles everything needed to render one picket.
package report

import (
	"github.com/verte-zerg/vesfit/internal/editor"
	"github.com/verte-zerg/vesfit/internal/forward"
	"github.com/verte-zerg/vesfit/internal/misfit"
	"github.com/verte-zerg/vesfit/internal/model"
)

// Report contains precomputed data for picket rendering. Predicted, Misfit and
// Steps are empty when the picket has no model.
type Report struct {
	Picket           string
	Spacings         []float64
	Observed         []float64
	Errors           []float64
	Lower            []float64
	Upper            []float64
	ReducedPrecision bool

	Model     *model.LayeredModel
	Predicted []float64
	Misfit    misfit.Result
	Failures  []int
	Steps     []editor.Vertex
}

// HasModel reports whether theoretical data is present.
func (r Report) HasModel() bool {
	return r.Model != nil
}

// MaxSpacing returns the largest AB/2 of the curve.
func (r Report) MaxSpacing() float64 {
	if len(r.Spacings) == 0 {
		return 0
	}
	return r.Spacings[len(r.Spacings)-1]
}

// Build computes the experimental and theoretical parts of a picket report.
// Nil solver or evaluator select the defaults.
func Build(p model.Picket, solver forward.Solver, evaluator misfit.Evaluator) (Report, error) {
	if err := p.Curve.Validate(); err != nil {
		return Report{}, err
	}
	if solver == nil {
		solver = forward.Filter{}
	}
	if evaluator == nil {
		evaluator = misfit.LogSquares{}
	}

	r := Report{
		Picket:           p.Name,
		Spacings:         p.Curve.Spacings(),
		Observed:         p.Curve.ApparentResistivities(),
		Errors:           p.Curve.RelativeErrors(),
		ReducedPrecision: p.Curve.ReducedPrecision(),
	}
	r.Lower, r.Upper = p.Curve.ErrorBounds()
	if !p.HasModel() {
		return r, nil
	}

	m := p.Model.Clone()
	predicted, err := solver.Solve(m, r.Spacings)
	if err != nil {
		return Report{}, err
	}
	res, err := evaluator.Evaluate(predicted, r.Observed)
	if err != nil {
		return Report{}, err
	}
	r.Model = &m
	r.Predicted = predicted
	r.Misfit = res
	r.Failures = res.Failures()
	r.Steps = editor.StepCurve(m, r.MaxSpacing())
	return r, nil
}
