// Package model defines shared data structures.
package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidModel reports a non-positive resistivity or thickness, or an empty model.
	ErrInvalidModel = errors.New("model: invalid layered model")
	// ErrInvalidInput reports malformed spacings, curves, or mismatched sequences.
	ErrInvalidInput = errors.New("model: invalid input")
	// ErrNonConvergent reports an optimizer that exhausted its budget.
	ErrNonConvergent = errors.New("model: optimizer did not converge")
	// ErrUnavailableBackend reports a forward solver backend that cannot be used.
	ErrUnavailableBackend = errors.New("model: forward solver backend unavailable")
)

// Config defines interactive editor settings.
type Config struct {
	Section       string
	Backend       string
	Misfit        string
	EditTolerance float64
	MinThickness  float64
	EditStep      float64
}

// FitConfig defines inversion settings shared by the CLI and the session.
type FitConfig struct {
	SideLength        float64
	RelativeThreshold float64
	AbsoluteThreshold float64
	StallIterations   int
	MaxEvaluations    int
	MaxIterations     int
	Workers           int
}

// Layer is one homogeneous earth layer. Thickness is ignored for the last layer.
type Layer struct {
	Resistivity float64 `msgpack:"rho"`
	Thickness   float64 `msgpack:"h"`
}

// LayeredModel is an ordered stack of layers, topmost first.
type LayeredModel struct {
	Layers []Layer `msgpack:"layers"`
}

// NewLayeredModel builds a model from parallel slices; thicknesses has one
// element fewer than resistivities.
func NewLayeredModel(resistivities, thicknesses []float64) (LayeredModel, error) {
	if len(resistivities) == 0 {
		return LayeredModel{}, fmt.Errorf("%w: no layers", ErrInvalidModel)
	}
	if len(thicknesses) != len(resistivities)-1 {
		return LayeredModel{}, fmt.Errorf("%w: %d resistivities need %d thicknesses, got %d",
			ErrInvalidModel, len(resistivities), len(resistivities)-1, len(thicknesses))
	}
	layers := make([]Layer, len(resistivities))
	for i, rho := range resistivities {
		layers[i].Resistivity = rho
		if i < len(thicknesses) {
			layers[i].Thickness = thicknesses[i]
		}
	}
	m := LayeredModel{Layers: layers}
	if err := m.Validate(); err != nil {
		return LayeredModel{}, err
	}
	return m, nil
}

// Len returns the number of layers.
func (m LayeredModel) Len() int {
	return len(m.Layers)
}

// Validate checks positivity of resistivities and non-terminal thicknesses.
func (m LayeredModel) Validate() error {
	if len(m.Layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrInvalidModel)
	}
	for i, l := range m.Layers {
		if !(l.Resistivity > 0) || math.IsInf(l.Resistivity, 0) {
			return fmt.Errorf("%w: layer %d resistivity %g", ErrInvalidModel, i, l.Resistivity)
		}
		if i == len(m.Layers)-1 {
			continue
		}
		if !(l.Thickness > 0) || math.IsInf(l.Thickness, 0) {
			return fmt.Errorf("%w: layer %d thickness %g", ErrInvalidModel, i, l.Thickness)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (m LayeredModel) Clone() LayeredModel {
	if m.Layers == nil {
		return LayeredModel{}
	}
	layers := make([]Layer, len(m.Layers))
	copy(layers, m.Layers)
	return LayeredModel{Layers: layers}
}

// Resistivities returns the layer resistivities.
func (m LayeredModel) Resistivities() []float64 {
	out := make([]float64, len(m.Layers))
	for i, l := range m.Layers {
		out[i] = l.Resistivity
	}
	return out
}

// Thicknesses returns the thicknesses of all layers but the half-space.
func (m LayeredModel) Thicknesses() []float64 {
	if len(m.Layers) < 2 {
		return nil
	}
	out := make([]float64, len(m.Layers)-1)
	for i := range out {
		out[i] = m.Layers[i].Thickness
	}
	return out
}

// Depths returns the cumulative depth of each layer boundary.
func (m LayeredModel) Depths() []float64 {
	thick := m.Thicknesses()
	out := make([]float64, len(thick))
	var sum float64
	for i, h := range thick {
		sum += h
		out[i] = sum
	}
	return out
}

// Measurement is one field reading at a single electrode spread.
type Measurement struct {
	AB2                 float64
	MN2                 float64
	ApparentResistivity float64
	RelativeError       float64
	Current             float64
	Voltage             float64
}

// SoundingCurve is an experimental apparent-resistivity curve ordered by AB/2.
// SpacingCount and ReadingCount hold the raw record counts the curve was built from.
type SoundingCurve struct {
	Measurements []Measurement
	SpacingCount int
	ReadingCount int
}

// Len returns the number of measurements.
func (c SoundingCurve) Len() int {
	return len(c.Measurements)
}

// ReducedPrecision reports whether the curve was truncated because its raw
// spacing and reading record sets differed in length.
func (c SoundingCurve) ReducedPrecision() bool {
	if c.SpacingCount == 0 || c.ReadingCount == 0 {
		return false
	}
	return c.SpacingCount != c.ReadingCount
}

// Validate checks positivity and AB/2 ordering.
func (c SoundingCurve) Validate() error {
	if len(c.Measurements) == 0 {
		return fmt.Errorf("%w: empty sounding curve", ErrInvalidInput)
	}
	prev := 0.0
	for i, ms := range c.Measurements {
		if !(ms.AB2 > 0) || math.IsInf(ms.AB2, 0) {
			return fmt.Errorf("%w: point %d AB/2 %g", ErrInvalidInput, i, ms.AB2)
		}
		if !(ms.ApparentResistivity > 0) || math.IsInf(ms.ApparentResistivity, 0) {
			return fmt.Errorf("%w: point %d apparent resistivity %g", ErrInvalidInput, i, ms.ApparentResistivity)
		}
		if ms.RelativeError < 0 || math.IsNaN(ms.RelativeError) {
			return fmt.Errorf("%w: point %d error %g", ErrInvalidInput, i, ms.RelativeError)
		}
		if i > 0 && ms.AB2 <= prev {
			return fmt.Errorf("%w: point %d AB/2 %g not increasing", ErrInvalidInput, i, ms.AB2)
		}
		prev = ms.AB2
	}
	return nil
}

// Spacings returns AB/2 values.
func (c SoundingCurve) Spacings() []float64 {
	out := make([]float64, len(c.Measurements))
	for i, ms := range c.Measurements {
		out[i] = ms.AB2
	}
	return out
}

// ApparentResistivities returns measured apparent resistivities.
func (c SoundingCurve) ApparentResistivities() []float64 {
	out := make([]float64, len(c.Measurements))
	for i, ms := range c.Measurements {
		out[i] = ms.ApparentResistivity
	}
	return out
}

// RelativeErrors returns measurement errors in percent.
func (c SoundingCurve) RelativeErrors() []float64 {
	out := make([]float64, len(c.Measurements))
	for i, ms := range c.Measurements {
		out[i] = ms.RelativeError
	}
	return out
}

// ErrorBounds returns rho*(1-err) and rho*(1+err). Lower bounds that are not
// positive are NaN so plots can skip them.
func (c SoundingCurve) ErrorBounds() (lower, upper []float64) {
	lower = make([]float64, len(c.Measurements))
	upper = make([]float64, len(c.Measurements))
	for i, ms := range c.Measurements {
		e := ms.RelativeError / 100
		lower[i] = ms.ApparentResistivity * (1 - e)
		upper[i] = ms.ApparentResistivity * (1 + e)
		if lower[i] <= 0 {
			lower[i] = math.NaN()
		}
	}
	return lower, upper
}

// Picket is one field station.
type Picket struct {
	ID    string
	Name  string
	Curve SoundingCurve
	Model *LayeredModel
}

// HasModel reports whether a layered model is attached.
func (p Picket) HasModel() bool {
	return p.Model != nil && len(p.Model.Layers) > 0
}

// Section is an ordered collection of pickets.
type Section struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Pickets   []Picket
}

// SectionSummary describes a stored section without its pickets.
type SectionSummary struct {
	ID          string
	Name        string
	CreatedAt   time.Time
	PicketCount int
}

// ModelSnapshot is one saved revision of a picket model.
type ModelSnapshot struct {
	Seq     int64
	SavedAt time.Time
	Model   LayeredModel
}
