// Package session owns an interpreted section: the current picket, model edits
// with undo and redo, fitting and persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/verte-zerg/vesfit/internal/editor"
	"github.com/verte-zerg/vesfit/internal/forward"
	"github.com/verte-zerg/vesfit/internal/inverse"
	"github.com/verte-zerg/vesfit/internal/misfit"
	"github.com/verte-zerg/vesfit/internal/model"
	"github.com/verte-zerg/vesfit/internal/report"
)

var (
	// ErrSuperseded reports a fit whose result was dropped because a newer fit
	// or an edit of the same picket came first.
	ErrSuperseded = errors.New("session: fit superseded")
	// ErrNoModel reports an operation that needs a model on a picket without one.
	ErrNoModel = fmt.Errorf("%w: picket has no model", model.ErrInvalidInput)
	// ErrNoSaver reports a save on a session without persistence.
	ErrNoSaver = errors.New("session: no storage configured")
)

// Saver persists picket models.
type Saver interface {
	SaveModel(ctx context.Context, picketID string, m model.LayeredModel) error
}

// Options configures a session. Zero values select defaults.
type Options struct {
	Solver forward.Solver
	Misfit string
	Fit    inverse.Options
	Editor editor.Options
	Saver  Saver
	Logger *zap.SugaredLogger
}

// Session is safe for concurrent use. The lock is never held during a solve.
type Session struct {
	mu      sync.Mutex
	section model.Section
	current int
	undo    map[int][]model.LayeredModel
	redo    map[int][]model.LayeredModel
	dirty   map[int]bool

	solver     forward.Solver
	misfitName string
	fitOpts    inverse.Options
	editOpts   editor.Options
	saver      Saver
	log        *zap.SugaredLogger

	fitGen    uint64
	fitIndex  int
	fitCancel context.CancelFunc
}

// FitOutcome is the result of fitting one picket in FitAll.
type FitOutcome struct {
	Index  int
	Picket string
	Result inverse.Result
	Err    error
}

// New creates a session positioned on the first picket.
func New(sec model.Section, opts Options) (*Session, error) {
	if len(sec.Pickets) == 0 {
		return nil, fmt.Errorf("%w: section %q has no pickets", model.ErrInvalidInput, sec.Name)
	}
	if opts.Solver == nil {
		opts.Solver = forward.Filter{}
	}
	if opts.Fit.SideLength == 0 {
		solver, evaluator := opts.Fit.Solver, opts.Fit.Evaluator
		opts.Fit = inverse.DefaultOptions()
		opts.Fit.Solver, opts.Fit.Evaluator = solver, evaluator
	}
	if opts.Editor == (editor.Options{}) {
		opts.Editor = editor.DefaultOptions()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if _, err := misfit.ByName(opts.Misfit, model.SoundingCurve{}); err != nil {
		return nil, err
	}
	return &Session{
		section:    cloneSection(sec),
		undo:       map[int][]model.LayeredModel{},
		redo:       map[int][]model.LayeredModel{},
		dirty:      map[int]bool{},
		solver:     opts.Solver,
		misfitName: opts.Misfit,
		fitOpts:    opts.Fit,
		editOpts:   opts.Editor,
		saver:      opts.Saver,
		log:        opts.Logger,
	}, nil
}

// Section returns a copy of the section with all edits applied.
func (s *Session) Section() model.Section {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSection(s.section)
}

// Index returns the position of the current picket.
func (s *Session) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Len returns the number of pickets.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.section.Pickets)
}

// Current returns a copy of the current picket.
func (s *Session) Current() model.Picket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePicket(s.section.Pickets[s.current])
}

// Next moves to the following picket. It reports false at the last one.
func (s *Session) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current+1 >= len(s.section.Pickets) {
		return false
	}
	s.current++
	return true
}

// Prev moves to the preceding picket. It reports false at the first one.
func (s *Session) Prev() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == 0 {
		return false
	}
	s.current--
	return true
}

// Select moves to picket i.
func (s *Session) Select(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.section.Pickets) {
		return fmt.Errorf("%w: picket %d out of range [0,%d)", model.ErrInvalidInput, i, len(s.section.Pickets))
	}
	s.current = i
	return nil
}

// SetModel replaces the model of the current picket.
func (s *Session) SetModel(m model.LayeredModel) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(s.current, m.Clone())
	return nil
}

// apply records the previous model for undo. Callers hold the lock.
func (s *Session) apply(i int, m model.LayeredModel) {
	s.supersede(i)
	p := &s.section.Pickets[i]
	prev := model.LayeredModel{}
	if p.HasModel() {
		prev = p.Model.Clone()
	}
	s.undo[i] = append(s.undo[i], prev)
	delete(s.redo, i)
	p.Model = &m
	s.dirty[i] = true
}

// Undo restores the previous model of the current picket.
func (s *Session) Undo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swap(s.undo, s.redo)
}

// Redo reapplies an undone model of the current picket.
func (s *Session) Redo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swap(s.redo, s.undo)
}

func (s *Session) swap(from, to map[int][]model.LayeredModel) bool {
	i := s.current
	stack := from[i]
	if len(stack) == 0 {
		return false
	}
	s.supersede(i)
	next := stack[len(stack)-1]
	from[i] = stack[:len(stack)-1]

	p := &s.section.Pickets[i]
	cur := model.LayeredModel{}
	if p.HasModel() {
		cur = p.Model.Clone()
	}
	to[i] = append(to[i], cur)
	if next.Len() == 0 {
		p.Model = nil
	} else {
		p.Model = &next
	}
	s.dirty[i] = true
	return true
}

// supersede cancels an in-flight fit of picket i. Callers hold the lock.
func (s *Session) supersede(i int) {
	if s.fitCancel == nil || s.fitIndex != i {
		return
	}
	s.fitCancel()
	s.fitCancel = nil
	s.fitGen++
}

// CanUndo reports whether the current picket has undo history.
func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undo[s.current]) > 0
}

// Drag moves a step-curve vertex of the current model.
func (s *Session) Drag(vertex int, to editor.Vertex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.section.Pickets[s.current]
	if !p.HasModel() {
		return ErrNoModel
	}
	m, err := editor.ApplyDrag(*p.Model, vertex, to, s.editOpts)
	if err != nil {
		return err
	}
	s.apply(s.current, m)
	return nil
}

// Nudge moves a step-curve vertex by a displacement in log10 units. The
// vertex position is read and the edit applied under a single lock hold.
func (s *Session) Nudge(vertex int, dx, dy float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.section.Pickets[s.current]
	if !p.HasModel() {
		return ErrNoModel
	}
	vertices := editor.StepCurve(*p.Model, 0)
	if vertex < 0 || vertex >= len(vertices) {
		return fmt.Errorf("%w: vertex %d out of range [0,%d)", model.ErrInvalidInput, vertex, len(vertices))
	}
	v := vertices[vertex]
	m, err := editor.ApplyDrag(*p.Model, vertex, editor.Vertex{X: v.X + dx, Y: v.Y + dy}, s.editOpts)
	if err != nil {
		return err
	}
	s.apply(s.current, m)
	return nil
}

// Fit refines the current model. Starting a fit cancels any fit in flight,
// and so does any edit, undo or redo of the picket being fitted; the
// interrupted call returns ErrSuperseded and its result is dropped. On
// failure the previous model is kept.
func (s *Session) Fit(ctx context.Context) (inverse.Result, error) {
	s.mu.Lock()
	i := s.current
	p := clonePicket(s.section.Pickets[i])
	if !p.HasModel() {
		s.mu.Unlock()
		return inverse.Result{}, ErrNoModel
	}
	if s.fitCancel != nil {
		s.fitCancel()
	}
	s.fitGen++
	gen := s.fitGen
	fitCtx, cancel := context.WithCancel(ctx)
	s.fitCancel = cancel
	s.fitIndex = i
	s.mu.Unlock()
	defer cancel()

	opts, err := s.optionsFor(p.Curve)
	if err != nil {
		return inverse.Result{}, err
	}
	started := time.Now()
	s.log.Infow("fit started", "picket", p.Name, "layers", p.Model.Len())
	res, err := inverse.Optimize(fitCtx, p.Curve, *p.Model, opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.fitGen {
		s.log.Infow("fit superseded", "picket", p.Name)
		return inverse.Result{}, ErrSuperseded
	}
	s.fitCancel = nil
	if err != nil {
		s.log.Warnw("fit failed", "picket", p.Name, "error", err)
		return inverse.Result{}, err
	}
	s.apply(i, res.Model.Clone())
	s.log.Infow("fit finished",
		"picket", p.Name,
		"misfit", res.Misfit,
		"initial_misfit", res.InitialMisfit,
		"evaluations", res.Evaluations,
		"elapsed", time.Since(started),
	)
	return res, nil
}

// FitAll fits every picket that has a model using up to workers concurrent
// searches. Per-picket failures are reported in the outcomes, not as an error.
func (s *Session) FitAll(ctx context.Context, workers int) ([]FitOutcome, error) {
	s.mu.Lock()
	var pickets []model.Picket
	var indices []int
	for i, p := range s.section.Pickets {
		if p.HasModel() {
			pickets = append(pickets, clonePicket(p))
			indices = append(indices, i)
		}
	}
	s.mu.Unlock()

	outcomes := make([]FitOutcome, len(pickets))
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for k := range pickets {
		k := k
		g.Go(func() error {
			p := pickets[k]
			outcomes[k] = FitOutcome{Index: indices[k], Picket: p.Name}
			opts, err := s.optionsFor(p.Curve)
			if err != nil {
				outcomes[k].Err = err
				return nil
			}
			res, err := inverse.Optimize(gctx, p.Curve, *p.Model, opts)
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[k].Result, outcomes[k].Err = res, err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, o := range outcomes {
		if o.Err != nil {
			s.log.Warnw("fit failed", "picket", o.Picket, "error", o.Err)
			continue
		}
		if cur := s.section.Pickets[o.Index]; !cur.HasModel() || !sameModel(*cur.Model, *pickets[k].Model) {
			outcomes[k].Err = ErrSuperseded
			s.log.Infow("fit superseded", "picket", o.Picket)
			continue
		}
		s.apply(o.Index, o.Result.Model.Clone())
		s.log.Infow("fit finished", "picket", o.Picket, "misfit", o.Result.Misfit, "evaluations", o.Result.Evaluations)
	}
	return outcomes, nil
}

func (s *Session) optionsFor(curve model.SoundingCurve) (inverse.Options, error) {
	opts := s.fitOpts
	if opts.Solver == nil {
		opts.Solver = s.solver
	}
	if opts.Evaluator == nil {
		ev, err := misfit.ByName(s.misfitName, curve)
		if err != nil {
			return inverse.Options{}, err
		}
		opts.Evaluator = ev
	}
	return opts, nil
}

// Report builds the rendering data of the current picket.
func (s *Session) Report() (report.Report, error) {
	p := s.Current()
	ev, err := misfit.ByName(s.misfitName, p.Curve)
	if err != nil {
		return report.Report{}, err
	}
	return report.Build(p, s.solver, ev)
}

// Dirty reports whether any picket has unsaved model changes.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty) > 0
}

// Save persists every changed model.
func (s *Session) Save(ctx context.Context) error {
	if s.saver == nil {
		return ErrNoSaver
	}
	s.mu.Lock()
	type pending struct {
		index int
		id    string
		name  string
		model model.LayeredModel
	}
	var todo []pending
	for i := range s.dirty {
		p := s.section.Pickets[i]
		if !p.HasModel() {
			// Nothing to persist once the edits are undone back to no model.
			delete(s.dirty, i)
			continue
		}
		todo = append(todo, pending{index: i, id: p.ID, name: p.Name, model: p.Model.Clone()})
	}
	s.mu.Unlock()

	var errs []error
	for _, t := range todo {
		if err := s.saver.SaveModel(ctx, t.id, t.model); err != nil {
			s.log.Errorw("save failed", "picket", t.name, "error", err)
			errs = append(errs, fmt.Errorf("save %s: %w", t.name, err))
			continue
		}
		s.mu.Lock()
		if p := s.section.Pickets[t.index]; p.HasModel() && sameModel(*p.Model, t.model) {
			delete(s.dirty, t.index)
		}
		s.mu.Unlock()
		s.log.Debugw("model saved", "picket", t.name)
	}
	return errors.Join(errs...)
}

func sameModel(a, b model.LayeredModel) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := range a.Layers {
		if a.Layers[i] != b.Layers[i] {
			return false
		}
	}
	return true
}

func clonePicket(p model.Picket) model.Picket {
	out := p
	out.Curve.Measurements = append([]model.Measurement(nil), p.Curve.Measurements...)
	if p.Model != nil {
		m := p.Model.Clone()
		out.Model = &m
	}
	return out
}

func cloneSection(sec model.Section) model.Section {
	out := sec
	out.Pickets = make([]model.Picket, len(sec.Pickets))
	for i, p := range sec.Pickets {
		out.Pickets[i] = clonePicket(p)
	}
	return out
}
