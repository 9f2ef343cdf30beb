package misfit_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verte-zerg/vesfit/internal/misfit"
	"github.com/verte-zerg/vesfit/internal/model"
)

func TestSelfMisfitIsZero(t *testing.T) {
	obs := []float64{100, 102.1, 113.6, 274.7, 371.7}
	res, err := misfit.LogSquares{}.Evaluate(obs, obs)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Aggregate)
	assert.Equal(t, []float64{0, 0, 0, 0, 0}, res.PerPoint)
	assert.Empty(t, res.Failures())
	assert.Equal(t, 0.0, res.RMS())
}

func TestLogSquaresAggregate(t *testing.T) {
	res, err := misfit.LogSquares{}.Evaluate([]float64{10, 100}, []float64{100, 100})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Aggregate, 1e-12)
	assert.InDelta(t, -90.0, res.PerPoint[0], 1e-12)
	assert.InDelta(t, 0.0, res.PerPoint[1], 1e-12)
}

func TestAggregateIsSymmetricInLogSpace(t *testing.T) {
	a, err := misfit.LogSquares{}.Evaluate([]float64{200}, []float64{100})
	require.NoError(t, err)
	b, err := misfit.LogSquares{}.Evaluate([]float64{50}, []float64{100})
	require.NoError(t, err)
	assert.InDelta(t, a.Aggregate, b.Aggregate, 1e-12)
	assert.Greater(t, a.Aggregate, 0.0)
}

func TestFailuresFlagLargeDiscrepancies(t *testing.T) {
	res, err := misfit.LogSquares{}.Evaluate([]float64{100, 250, 199, 200}, []float64{100, 100, 100, 100})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, res.Failures())
	assert.InDelta(t, math.Sqrt((150*150+99*99+100*100)/4.0), res.RMS(), 1e-9)
}

func TestErrorWeightedScalesResiduals(t *testing.T) {
	pred := []float64{110, 110}
	obs := []float64{100, 100}
	plain, err := misfit.LogSquares{}.Evaluate(pred, obs)
	require.NoError(t, err)

	tight, err := misfit.ErrorWeighted{Errors: []float64{1, 1}}.Evaluate(pred, obs)
	require.NoError(t, err)
	loose, err := misfit.ErrorWeighted{Errors: []float64{20, 20}}.Evaluate(pred, obs)
	require.NoError(t, err)

	assert.Greater(t, tight.Aggregate, loose.Aggregate)
	assert.Greater(t, tight.Aggregate, plain.Aggregate)
	assert.Equal(t, plain.PerPoint, tight.PerPoint)

	zero, err := misfit.ErrorWeighted{Errors: []float64{0, 0}}.Evaluate(pred, obs)
	require.NoError(t, err)
	floor, err := misfit.ErrorWeighted{Errors: []float64{misfit.MinError, misfit.MinError}}.Evaluate(pred, obs)
	require.NoError(t, err)
	assert.InDelta(t, floor.Aggregate, zero.Aggregate, 1e-12)
	assert.False(t, math.IsInf(zero.Aggregate, 0))
}

func TestEvaluateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name      string
		pred, obs []float64
	}{
		{"empty", nil, nil},
		{"length mismatch", []float64{1, 2}, []float64{1}},
		{"zero predicted", []float64{0}, []float64{1}},
		{"negative observed", []float64{1}, []float64{-1}},
		{"nan", []float64{math.NaN()}, []float64{1}},
	}
	for _, tc := range cases {
		_, err := misfit.LogSquares{}.Evaluate(tc.pred, tc.obs)
		assert.ErrorIs(t, err, model.ErrInvalidInput, tc.name)
	}

	_, err := misfit.ErrorWeighted{Errors: []float64{1}}.Evaluate([]float64{1, 2}, []float64{1, 2})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestByName(t *testing.T) {
	curve := model.SoundingCurve{Measurements: []model.Measurement{
		{AB2: 1, ApparentResistivity: 10, RelativeError: 3},
		{AB2: 2, ApparentResistivity: 12, RelativeError: 4},
	}}

	ev, err := misfit.ByName("", curve)
	require.NoError(t, err)
	assert.IsType(t, misfit.LogSquares{}, ev)

	ev, err = misfit.ByName("error-weighted", curve)
	require.NoError(t, err)
	require.IsType(t, misfit.ErrorWeighted{}, ev)
	assert.Equal(t, []float64{3, 4}, ev.(misfit.ErrorWeighted).Errors)

	_, err = misfit.ByName("chi2", curve)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}
