package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/verte-zerg/vesfit/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "vesfit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func testCurve() model.SoundingCurve {
	return model.SoundingCurve{
		SpacingCount: 4,
		ReadingCount: 3,
		Measurements: []model.Measurement{
			{AB2: 1, MN2: 0.5, ApparentResistivity: 100, RelativeError: 3, Current: 10, Voltage: 5},
			{AB2: 5, MN2: 0.5, ApparentResistivity: 102, RelativeError: 3},
			{AB2: 10, MN2: 1, ApparentResistivity: 113, RelativeError: 4},
		},
	}
}

func TestSectionLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sec, err := st.CreateSection(ctx, "line-1")
	if err != nil {
		t.Fatalf("create section: %v", err)
	}
	if sec.ID == "" {
		t.Fatalf("expected generated id")
	}
	if _, err := st.CreateSection(ctx, "line-1"); err == nil {
		t.Fatalf("expected duplicate name error")
	}

	m, err := model.NewLayeredModel([]float64{100, 500}, []float64{10})
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	p1, err := st.AddPicket(ctx, sec.ID, model.Picket{Name: "PK-A", Curve: testCurve(), Model: &m})
	if err != nil {
		t.Fatalf("add picket: %v", err)
	}
	p2, err := st.AddPicket(ctx, sec.ID, model.Picket{Curve: testCurve()})
	if err != nil {
		t.Fatalf("add picket: %v", err)
	}
	if p2.Name != "PK-2" {
		t.Fatalf("expected default name PK-2, got %q", p2.Name)
	}

	summaries, err := st.ListSections(ctx)
	if err != nil {
		t.Fatalf("list sections: %v", err)
	}
	if len(summaries) != 1 || summaries[0].PicketCount != 2 {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}

	byName, err := st.FindSection(ctx, "line-1")
	if err != nil || byName.ID != sec.ID {
		t.Fatalf("find by name: %+v %v", byName, err)
	}
	if _, err := st.FindSection(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	loaded, err := st.LoadSection(ctx, sec.ID)
	if err != nil {
		t.Fatalf("load section: %v", err)
	}
	if len(loaded.Pickets) != 2 {
		t.Fatalf("expected 2 pickets, got %d", len(loaded.Pickets))
	}
	got := loaded.Pickets[0]
	if got.ID != p1.ID || got.Name != "PK-A" {
		t.Fatalf("unexpected first picket: %+v", got)
	}
	if got.Curve.Len() != 3 || got.Curve.Measurements[0].Current != 10 {
		t.Fatalf("unexpected curve: %+v", got.Curve)
	}
	if !got.Curve.ReducedPrecision() {
		t.Fatalf("expected reduced precision to survive storage")
	}
	if !got.HasModel() || got.Model.Layers[1].Resistivity != 500 {
		t.Fatalf("unexpected model: %+v", got.Model)
	}
	if loaded.Pickets[1].HasModel() {
		t.Fatalf("expected second picket without model")
	}
}

func TestSaveModelAppendsHistory(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	st.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	sec, err := st.CreateSection(ctx, "line-2")
	if err != nil {
		t.Fatalf("create section: %v", err)
	}
	p, err := st.AddPicket(ctx, sec.ID, model.Picket{Curve: testCurve()})
	if err != nil {
		t.Fatalf("add picket: %v", err)
	}

	first, _ := model.NewLayeredModel([]float64{80, 400}, []float64{8})
	second, _ := model.NewLayeredModel([]float64{100, 20, 500}, []float64{10, 30})
	if err := st.SaveModel(ctx, p.ID, first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := st.SaveModel(ctx, p.ID, second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	history, err := st.ModelHistory(ctx, p.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(history))
	}
	if history[0].Model.Len() != 2 || history[1].Model.Len() != 3 {
		t.Fatalf("unexpected snapshot models: %+v", history)
	}
	if history[1].Model.Layers[1].Thickness != 30 {
		t.Fatalf("expected decoded thickness 30, got %v", history[1].Model.Layers[1].Thickness)
	}
	if !history[1].SavedAt.After(history[0].SavedAt) {
		t.Fatalf("expected increasing timestamps")
	}

	loaded, err := st.LoadSection(ctx, "line-2")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Pickets[0].Model.Len() != 3 {
		t.Fatalf("expected current model to be the latest save")
	}
}

func TestSaveModelValidation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	bad := model.LayeredModel{Layers: []model.Layer{{Resistivity: -1}}}
	if err := st.SaveModel(ctx, "x", bad); !errors.Is(err, model.ErrInvalidModel) {
		t.Fatalf("expected invalid model, got %v", err)
	}
	good, _ := model.NewLayeredModel([]float64{10}, nil)
	if err := st.SaveModel(ctx, "missing", good); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := st.AddPicket(ctx, "missing", model.Picket{Curve: testCurve()}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown section, got %v", err)
	}
}
