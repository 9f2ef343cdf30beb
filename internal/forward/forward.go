// Package forward computes Schlumberger apparent-resistivity curves for layered-earth models.
package forward

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/verte-zerg/vesfit/internal/model"
)

// ZeroSpacingEpsilon replaces a zero spacing or depth before taking log10.
const ZeroSpacingEpsilon = 1e-6

// DefaultBackend names the backend used when none is configured.
const DefaultBackend = "schlumberger"

// Solver maps a layered model and AB/2 spacings to predicted apparent resistivities.
type Solver interface {
	Solve(m model.LayeredModel, spacings []float64) ([]float64, error)
}

// Schlumberger linear filter: 6 samples per decade, abscissa shift -0.13069.
// Coefficients are ordered by increasing lambda*s. Against the two-layer image
// series the relative error stays under 1e-3 for contrasts up to 100:1 and
// grows to about 1e-2 at 1000:1.
var schlumbergerFilter = [...]float64{
	0.00046256, -0.0010907, 0.0017122, -0.0020687, 0.0043048, -0.0021236,
	0.015995, 0.017065, 0.098105, 0.21918, 0.64722, 1.1415,
	0.47819, -3.515, 2.7743, -1.201, 0.4544, -0.19427,
	0.097364, -0.054099, 0.031729, -0.019109, 0.011656, -0.0071544,
	0.0044042, -0.002715, 0.0016749, -0.0010335, 0.00040124,
}

const (
	filterShift  = 0.13069
	filterOrigin = 9
)

var filterStep = math.Ln10 / 6

// Filter is the digital linear filter backend.
type Filter struct{}

// Solve implements Solver.
func (Filter) Solve(m model.LayeredModel, spacings []float64) ([]float64, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := validateSpacings(spacings); err != nil {
		return nil, err
	}
	out := make([]float64, len(spacings))
	for i, s := range spacings {
		var rho float64
		for k, c := range schlumbergerFilter {
			lambda := math.Exp(filterShift+float64(k-filterOrigin)*filterStep) / s
			rho += c * Transform(m, lambda)
		}
		out[i] = rho
	}
	return out, nil
}

// Transform evaluates the resistivity transform T(lambda) bottom-up with the
// Pekeris recurrence. The model must already be valid.
func Transform(m model.LayeredModel, lambda float64) float64 {
	n := len(m.Layers)
	t := m.Layers[n-1].Resistivity
	for i := n - 2; i >= 0; i-- {
		rho := m.Layers[i].Resistivity
		th := math.Tanh(lambda * m.Layers[i].Thickness)
		t = (t + rho*th) / (1 + t*th/rho)
	}
	return t
}

func validateSpacings(spacings []float64) error {
	if len(spacings) == 0 {
		return fmt.Errorf("%w: no spacings", model.ErrInvalidInput)
	}
	for i, s := range spacings {
		if !(s > 0) || math.IsInf(s, 0) {
			return fmt.Errorf("%w: spacing %d is %g", model.ErrInvalidInput, i, s)
		}
	}
	return nil
}

var backends = map[string]Solver{
	"schlumberger": Filter{},
	"filter":       Filter{},
}

// Backend resolves a solver by name. An empty name selects the default.
func Backend(name string) (Solver, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		name = DefaultBackend
	}
	s, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", model.ErrUnavailableBackend, name, strings.Join(Backends(), ", "))
	}
	return s, nil
}

// Backends lists registered backend names.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Solve runs the default backend.
func Solve(m model.LayeredModel, spacings []float64) ([]float64, error) {
	return Filter{}.Solve(m, spacings)
}
