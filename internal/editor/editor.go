// Package editor maps drags on the model step curve to layered-model edits.
package editor

import (
	"fmt"
	"math"

	"github.com/verte-zerg/vesfit/internal/forward"
	"github.com/verte-zerg/vesfit/internal/model"
)

// Vertex is a step-curve point in log10 coordinates.
type Vertex struct {
	X float64 // log10 depth or spacing
	Y float64 // log10 resistivity
}

// Options bounds editor results.
type Options struct {
	Tolerance      float64
	MinThickness   float64
	MinResistivity float64
	MaxResistivity float64
}

// DefaultOptions returns the standard editor bounds.
func DefaultOptions() Options {
	return Options{
		Tolerance:      0.1,
		MinThickness:   1e-3,
		MinResistivity: 1e-3,
		MaxResistivity: 1e7,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if !(o.Tolerance > 0) {
		o.Tolerance = def.Tolerance
	}
	if !(o.MinThickness > 0) {
		o.MinThickness = def.MinThickness
	}
	if !(o.MinResistivity > 0) {
		o.MinResistivity = def.MinResistivity
	}
	if !(o.MaxResistivity > o.MinResistivity) {
		o.MaxResistivity = def.MaxResistivity
	}
	return o
}

// Kind is the segment an edit moves.
type Kind int

const (
	// Depth moves a vertical segment, the boundary below a layer.
	Depth Kind = iota
	// Resistivity moves a horizontal segment, a layer's resistivity.
	Resistivity
)

func (k Kind) String() string {
	if k == Depth {
		return "depth"
	}
	return "resistivity"
}

// Target identifies an editable segment. Index is a boundary for Depth and a
// layer for Resistivity.
type Target struct {
	Kind  Kind
	Index int
}

// StepCurve returns the 2n vertices of the model as a log-log staircase.
// The last vertex extends to the larger of the deepest boundary and maxSpacing.
func StepCurve(m model.LayeredModel, maxSpacing float64) []Vertex {
	n := m.Len()
	if n == 0 {
		return nil
	}
	depths := m.Depths()
	out := make([]Vertex, 0, 2*n)
	out = append(out, Vertex{X: math.Log10(forward.ZeroSpacingEpsilon), Y: math.Log10(m.Layers[0].Resistivity)})
	for i, d := range depths {
		x := math.Log10(d)
		out = append(out,
			Vertex{X: x, Y: math.Log10(m.Layers[i].Resistivity)},
			Vertex{X: x, Y: math.Log10(m.Layers[i+1].Resistivity)},
		)
	}
	end := maxSpacing
	if len(depths) > 0 {
		end = math.Max(end, depths[len(depths)-1])
	}
	if !(end > 0) {
		end = forward.ZeroSpacingEpsilon
	}
	out = append(out, Vertex{X: math.Log10(end), Y: math.Log10(m.Layers[n-1].Resistivity)})
	return out
}

// VertexTarget returns the segment a vertex moves for a displacement. Terminal
// vertices only move their layer; interior vertices follow the dominant axis
// and prefer depth on ties.
func VertexTarget(vertexCount, k int, dx, dy float64) (Target, error) {
	if k < 0 || k >= vertexCount {
		return Target{}, fmt.Errorf("%w: vertex %d out of range [0,%d)", model.ErrInvalidInput, k, vertexCount)
	}
	layers := vertexCount / 2
	switch k {
	case 0:
		return Target{Kind: Resistivity, Index: 0}, nil
	case vertexCount - 1:
		return Target{Kind: Resistivity, Index: layers - 1}, nil
	}
	b := (k - 1) / 2
	if math.Abs(dy) > math.Abs(dx) {
		layer := b
		if k%2 == 0 {
			layer = b + 1
		}
		return Target{Kind: Resistivity, Index: layer}, nil
	}
	return Target{Kind: Depth, Index: b}, nil
}

// ApplyDrag moves vertex k of the step curve of m to the given point and
// returns the edited model.
func ApplyDrag(m model.LayeredModel, k int, to Vertex, opts Options) (model.LayeredModel, error) {
	if err := m.Validate(); err != nil {
		return model.LayeredModel{}, err
	}
	vertices := StepCurve(m, 0)
	if k < 0 || k >= len(vertices) {
		return model.LayeredModel{}, fmt.Errorf("%w: vertex %d out of range [0,%d)", model.ErrInvalidInput, k, len(vertices))
	}
	from := vertices[k]
	target, err := VertexTarget(len(vertices), k, to.X-from.X, to.Y-from.Y)
	if err != nil {
		return model.LayeredModel{}, err
	}
	return ApplyTarget(m, target, to, opts)
}

// ApplyTarget applies an edit to a picked segment. Depth edits read to.X and
// resistivity edits read to.Y.
func ApplyTarget(m model.LayeredModel, target Target, to Vertex, opts Options) (model.LayeredModel, error) {
	if err := m.Validate(); err != nil {
		return model.LayeredModel{}, err
	}
	if math.IsNaN(to.X) || math.IsInf(to.X, 0) || math.IsNaN(to.Y) || math.IsInf(to.Y, 0) {
		return model.LayeredModel{}, fmt.Errorf("%w: non-finite drag target (%g, %g)", model.ErrInvalidInput, to.X, to.Y)
	}
	opts = opts.withDefaults()
	out := m.Clone()
	switch target.Kind {
	case Resistivity:
		if target.Index < 0 || target.Index >= out.Len() {
			return model.LayeredModel{}, fmt.Errorf("%w: layer %d out of range", model.ErrInvalidInput, target.Index)
		}
		rho := math.Pow(10, to.Y)
		out.Layers[target.Index].Resistivity = clamp(rho, opts.MinResistivity, opts.MaxResistivity)
	case Depth:
		if err := moveBoundary(&out, target.Index, math.Pow(10, to.X), opts.MinThickness); err != nil {
			return model.LayeredModel{}, err
		}
	default:
		return model.LayeredModel{}, fmt.Errorf("%w: unknown edit kind %d", model.ErrInvalidInput, target.Kind)
	}
	if err := out.Validate(); err != nil {
		return model.LayeredModel{}, err
	}
	return out, nil
}

func moveBoundary(m *model.LayeredModel, b int, depth, minThickness float64) error {
	depths := m.Depths()
	if b < 0 || b >= len(depths) {
		return fmt.Errorf("%w: boundary %d out of range", model.ErrInvalidInput, b)
	}
	above := 0.0
	if b > 0 {
		above = depths[b-1]
	}
	lo := above + minThickness
	hi := math.Inf(1)
	if b+1 < len(depths) {
		hi = depths[b+1] - minThickness
	}
	if lo > hi {
		return fmt.Errorf("%w: boundary %d has no room to move", model.ErrInvalidInput, b)
	}
	depth = clamp(depth, lo, hi)
	m.Layers[b].Thickness = depth - above
	if b+1 < len(depths) {
		m.Layers[b+1].Thickness = depths[b+1] - depth
	}
	return nil
}

// Pick resolves a free grab point against a step curve. A vertical segment
// within tol in X wins; otherwise the horizontal segment spanning at.X.
func Pick(vertices []Vertex, at Vertex, tol float64) (Target, bool) {
	if len(vertices) < 2 {
		return Target{}, false
	}
	best, bestDist := -1, math.Inf(1)
	for k := 1; k+1 < len(vertices)-1; k += 2 {
		d := math.Abs(at.X - vertices[k].X)
		if d <= tol && d < bestDist {
			best, bestDist = (k-1)/2, d
		}
	}
	if best >= 0 {
		return Target{Kind: Depth, Index: best}, true
	}
	for k := 0; k+1 < len(vertices); k += 2 {
		lo, hi := vertices[k].X, vertices[k+1].X
		if at.X >= lo && at.X <= hi {
			return Target{Kind: Resistivity, Index: k / 2}, true
		}
	}
	return Target{}, false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
