package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verte-zerg/vesfit/internal/editor"
	"github.com/verte-zerg/vesfit/internal/forward"
	"github.com/verte-zerg/vesfit/internal/inverse"
	"github.com/verte-zerg/vesfit/internal/model"
)

func mustModel(t *testing.T, rho, h []float64) model.LayeredModel {
	t.Helper()
	m, err := model.NewLayeredModel(rho, h)
	require.NoError(t, err)
	return m
}

func picketFor(t *testing.T, name string, truth model.LayeredModel, initial *model.LayeredModel) model.Picket {
	t.Helper()
	spacings := []float64{1, 5, 10, 50, 100}
	rho, err := forward.Solve(truth, spacings)
	require.NoError(t, err)
	p := model.Picket{ID: name, Name: name, Model: initial}
	for i, s := range spacings {
		p.Curve.Measurements = append(p.Curve.Measurements, model.Measurement{AB2: s, ApparentResistivity: rho[i], RelativeError: 2})
	}
	return p
}

func testSection(t *testing.T) model.Section {
	truth := mustModel(t, []float64{100, 500}, []float64{10})
	a := mustModel(t, []float64{80, 400}, []float64{8})
	b := mustModel(t, []float64{120, 600}, []float64{12})
	return model.Section{Name: "line", Pickets: []model.Picket{
		picketFor(t, "PK-1", truth, &a),
		picketFor(t, "PK-2", truth, nil),
		picketFor(t, "PK-3", truth, &b),
	}}
}

func TestNavigation(t *testing.T) {
	s, err := New(testSection(t), Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, s.Index())
	assert.False(t, s.Prev())
	assert.True(t, s.Next())
	assert.True(t, s.Next())
	assert.False(t, s.Next())
	assert.Equal(t, "PK-3", s.Current().Name)

	require.NoError(t, s.Select(1))
	assert.Equal(t, "PK-2", s.Current().Name)
	assert.ErrorIs(t, s.Select(3), model.ErrInvalidInput)

	_, err = New(model.Section{}, Options{})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = New(testSection(t), Options{Misfit: "nope"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestUndoRedo(t *testing.T) {
	s, err := New(testSection(t), Options{})
	require.NoError(t, err)
	orig := *s.Current().Model

	require.NoError(t, s.Drag(1, editor.Vertex{X: 1.2, Y: 0}))
	edited := *s.Current().Model
	assert.NotEqual(t, orig, edited)
	assert.True(t, s.Dirty())

	assert.True(t, s.Undo())
	assert.Equal(t, orig, *s.Current().Model)
	assert.False(t, s.Undo())

	assert.True(t, s.Redo())
	assert.Equal(t, edited, *s.Current().Model)
	assert.False(t, s.Redo())

	require.NoError(t, s.SetModel(mustModel(t, []float64{10}, nil)))
	assert.True(t, s.CanUndo())
	assert.False(t, s.Redo())
}

func TestUndoRestoresMissingModel(t *testing.T) {
	s, err := New(testSection(t), Options{})
	require.NoError(t, err)
	require.NoError(t, s.Select(1))

	assert.ErrorIs(t, s.Drag(0, editor.Vertex{}), ErrNoModel)
	require.NoError(t, s.SetModel(mustModel(t, []float64{50, 200}, []float64{5})))
	assert.True(t, s.Current().HasModel())
	assert.True(t, s.Undo())
	assert.False(t, s.Current().HasModel())
}

func TestCurrentReturnsCopy(t *testing.T) {
	s, err := New(testSection(t), Options{})
	require.NoError(t, err)
	p := s.Current()
	p.Model.Layers[0].Resistivity = 1
	assert.Equal(t, 80.0, s.Current().Model.Layers[0].Resistivity)
}

func TestNudgeMovesSelectedVertex(t *testing.T) {
	s, err := New(testSection(t), Options{})
	require.NoError(t, err)
	before := s.Current().Model.Layers[1].Resistivity
	require.NoError(t, s.Nudge(2, 0, 0.1))
	assert.Greater(t, s.Current().Model.Layers[1].Resistivity, before)
	assert.ErrorIs(t, s.Nudge(9, 0, 0.1), model.ErrInvalidInput)
}

func TestConcurrentNudgesAllApply(t *testing.T) {
	s, err := New(testSection(t), Options{})
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Nudge(0, 0, 0.01))
		}()
	}
	wg.Wait()

	want := math.Log10(80) + n*0.01
	assert.InDelta(t, want, math.Log10(s.Current().Model.Layers[0].Resistivity), 1e-9)
	undone := 0
	for s.Undo() {
		undone++
	}
	assert.Equal(t, n, undone)
}

func TestFitRecoversModel(t *testing.T) {
	s, err := New(testSection(t), Options{})
	require.NoError(t, err)

	res, err := s.Fit(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Misfit, res.InitialMisfit)
	m := s.Current().Model
	assert.InEpsilon(t, 100.0, m.Layers[0].Resistivity, 0.05)
	assert.InEpsilon(t, 10.0, m.Layers[0].Thickness, 0.05)

	assert.True(t, s.Undo())
	assert.Equal(t, 80.0, s.Current().Model.Layers[0].Resistivity)
}

func TestFitNonConvergentKeepsModel(t *testing.T) {
	opts := inverse.DefaultOptions()
	opts.MaxEvaluations = 5
	s, err := New(testSection(t), Options{Fit: opts})
	require.NoError(t, err)

	_, err = s.Fit(context.Background())
	assert.ErrorIs(t, err, model.ErrNonConvergent)
	assert.Equal(t, 80.0, s.Current().Model.Layers[0].Resistivity)
	assert.False(t, s.CanUndo())
}

// gatedSolver blocks while block is set until release is closed.
type gatedSolver struct {
	block   atomic.Bool
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (g *gatedSolver) Solve(m model.LayeredModel, spacings []float64) ([]float64, error) {
	if g.block.Load() {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return forward.Solve(m, spacings)
}

func TestFitLastRequestWins(t *testing.T) {
	solver := &gatedSolver{entered: make(chan struct{}), release: make(chan struct{})}
	solver.block.Store(true)
	opts := inverse.DefaultOptions()
	opts.Solver = solver
	s, err := New(testSection(t), Options{Fit: opts})
	require.NoError(t, err)

	firstErr := make(chan error, 1)
	go func() {
		_, err := s.Fit(context.Background())
		firstErr <- err
	}()
	<-solver.entered

	solver.block.Store(false)
	second, err := s.Fit(context.Background())
	require.NoError(t, err)
	close(solver.release)

	assert.ErrorIs(t, <-firstErr, ErrSuperseded)
	assert.Equal(t, second.Model, *s.Current().Model)

	assert.True(t, s.Undo())
	assert.Equal(t, 80.0, s.Current().Model.Layers[0].Resistivity)
	assert.False(t, s.Undo())
}

func newGatedSession(t *testing.T) (*Session, *gatedSolver) {
	t.Helper()
	solver := &gatedSolver{entered: make(chan struct{}), release: make(chan struct{})}
	opts := inverse.DefaultOptions()
	opts.Solver = solver
	s, err := New(testSection(t), Options{Fit: opts})
	require.NoError(t, err)
	return s, solver
}

func TestEditSupersedesFit(t *testing.T) {
	s, solver := newGatedSession(t)
	solver.block.Store(true)

	fitErr := make(chan error, 1)
	go func() {
		_, err := s.Fit(context.Background())
		fitErr <- err
	}()
	<-solver.entered

	require.NoError(t, s.Drag(0, editor.Vertex{X: -6, Y: 3}))
	close(solver.release)

	assert.ErrorIs(t, <-fitErr, ErrSuperseded)
	assert.InDelta(t, 1000.0, s.Current().Model.Layers[0].Resistivity, 1e-9)
	assert.True(t, s.Undo())
	assert.Equal(t, 80.0, s.Current().Model.Layers[0].Resistivity)
	assert.False(t, s.Undo())
}

func TestUndoSupersedesFit(t *testing.T) {
	s, solver := newGatedSession(t)
	require.NoError(t, s.Drag(0, editor.Vertex{X: -6, Y: 3}))
	solver.block.Store(true)

	fitErr := make(chan error, 1)
	go func() {
		_, err := s.Fit(context.Background())
		fitErr <- err
	}()
	<-solver.entered

	require.True(t, s.Undo())
	close(solver.release)

	assert.ErrorIs(t, <-fitErr, ErrSuperseded)
	assert.Equal(t, 80.0, s.Current().Model.Layers[0].Resistivity)
	assert.True(t, s.Redo())
	assert.InDelta(t, 1000.0, s.Current().Model.Layers[0].Resistivity, 1e-9)
}

func TestEditOfOtherPicketKeepsFit(t *testing.T) {
	s, solver := newGatedSession(t)
	solver.block.Store(true)

	done := make(chan error, 1)
	go func() {
		_, err := s.Fit(context.Background())
		done <- err
	}()
	<-solver.entered

	require.NoError(t, s.Select(2))
	require.NoError(t, s.Drag(0, editor.Vertex{X: -6, Y: 3}))
	close(solver.release)

	require.NoError(t, <-done)
	sec := s.Section()
	assert.InEpsilon(t, 100.0, sec.Pickets[0].Model.Layers[0].Resistivity, 0.05)
	assert.InDelta(t, 1000.0, sec.Pickets[2].Model.Layers[0].Resistivity, 1e-9)
}

func TestFitAllKeepsConcurrentEdit(t *testing.T) {
	s, solver := newGatedSession(t)
	solver.block.Store(true)

	type result struct {
		outcomes []FitOutcome
		err      error
	}
	done := make(chan result, 1)
	go func() {
		outcomes, err := s.FitAll(context.Background(), 1)
		done <- result{outcomes, err}
	}()
	<-solver.entered

	require.NoError(t, s.Drag(0, editor.Vertex{X: -6, Y: 3}))
	close(solver.release)

	r := <-done
	require.NoError(t, r.err)
	require.Len(t, r.outcomes, 2)
	assert.ErrorIs(t, r.outcomes[0].Err, ErrSuperseded)
	assert.NoError(t, r.outcomes[1].Err)

	sec := s.Section()
	assert.InDelta(t, 1000.0, sec.Pickets[0].Model.Layers[0].Resistivity, 1e-9)
	assert.InEpsilon(t, 100.0, sec.Pickets[2].Model.Layers[0].Resistivity, 0.05)
}

type failingSolver struct{}

func (failingSolver) Solve(m model.LayeredModel, spacings []float64) ([]float64, error) {
	if m.Layers[0].Resistivity > 115 {
		return nil, model.ErrUnavailableBackend
	}
	return forward.Solve(m, spacings)
}

func TestFitAllCollectsFailures(t *testing.T) {
	s, err := New(testSection(t), Options{Solver: failingSolver{}})
	require.NoError(t, err)

	outcomes, err := s.FitAll(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.Equal(t, 0, outcomes[0].Index)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, 2, outcomes[1].Index)
	assert.ErrorIs(t, outcomes[1].Err, model.ErrUnavailableBackend)

	sec := s.Section()
	assert.InEpsilon(t, 100.0, sec.Pickets[0].Model.Layers[0].Resistivity, 0.05)
	assert.Equal(t, 120.0, sec.Pickets[2].Model.Layers[0].Resistivity)
	assert.False(t, sec.Pickets[1].HasModel())
}

func TestFitAllHonoursCancellation(t *testing.T) {
	s, err := New(testSection(t), Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.FitAll(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

type recordingSaver struct {
	mu    sync.Mutex
	saved map[string]model.LayeredModel
	err   error
}

func (r *recordingSaver) SaveModel(_ context.Context, id string, m model.LayeredModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.saved == nil {
		r.saved = map[string]model.LayeredModel{}
	}
	r.saved[id] = m
	return nil
}

func TestSavePersistsDirtyModels(t *testing.T) {
	saver := &recordingSaver{}
	s, err := New(testSection(t), Options{Saver: saver})
	require.NoError(t, err)

	require.NoError(t, s.Save(context.Background()))
	assert.Empty(t, saver.saved)

	require.NoError(t, s.Nudge(0, 0, 0.2))
	require.NoError(t, s.Save(context.Background()))
	assert.Contains(t, saver.saved, "PK-1")
	assert.False(t, s.Dirty())

	saver.err = errors.New("disk full")
	require.NoError(t, s.Nudge(0, 0, 0.2))
	assert.Error(t, s.Save(context.Background()))
	assert.True(t, s.Dirty())

	require.NoError(t, s.Select(1))
	require.NoError(t, s.SetModel(mustModel(t, []float64{50, 200}, []float64{5})))
	require.True(t, s.Undo())
	saver.err = nil
	require.NoError(t, s.Save(context.Background()))
	assert.False(t, s.Dirty())
	assert.NotContains(t, saver.saved, "PK-2")

	noStore, err := New(testSection(t), Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, noStore.Save(context.Background()), ErrNoSaver)
}

func TestReportForCurrentPicket(t *testing.T) {
	s, err := New(testSection(t), Options{Misfit: "error-weighted"})
	require.NoError(t, err)
	r, err := s.Report()
	require.NoError(t, err)
	assert.True(t, r.HasModel())
	assert.Equal(t, "PK-1", r.Picket)

	require.NoError(t, s.Select(1))
	r, err = s.Report()
	require.NoError(t, err)
	assert.False(t, r.HasModel())
}
