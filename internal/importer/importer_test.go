package importer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/verte-zerg/vesfit/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadCurve(t *testing.T) {
	spacings := writeFile(t, "ab.txt", "# AB/2 MN/2\n1 0.5\n\n5 0.5\n10 1 # far\n")
	readings := writeFile(t, "rho.txt", "100 3 10 5\n102.1\n113,6 4\n")

	curve, err := LoadCurve(spacings, readings)
	if err != nil {
		t.Fatalf("load curve: %v", err)
	}
	if curve.Len() != 3 {
		t.Fatalf("expected 3 measurements, got %d", curve.Len())
	}
	if curve.ReducedPrecision() {
		t.Fatalf("expected full precision for equal lengths")
	}
	first := curve.Measurements[0]
	if first.AB2 != 1 || first.MN2 != 0.5 || first.RelativeError != 3 || first.Current != 10 || first.Voltage != 5 {
		t.Fatalf("unexpected first measurement: %+v", first)
	}
	if curve.Measurements[2].ApparentResistivity != 113.6 {
		t.Fatalf("expected decimal comma to parse, got %v", curve.Measurements[2].ApparentResistivity)
	}
}

func TestLoadCurveTruncatesToShorter(t *testing.T) {
	spacings := writeFile(t, "ab.txt", "1\n5\n10\n50\n")
	readings := writeFile(t, "rho.txt", "100\n102\n113\n")

	curve, err := LoadCurve(spacings, readings)
	if err != nil {
		t.Fatalf("load curve: %v", err)
	}
	if curve.Len() != 3 {
		t.Fatalf("expected truncation to 3, got %d", curve.Len())
	}
	if curve.SpacingCount != 4 || curve.ReadingCount != 3 || !curve.ReducedPrecision() {
		t.Fatalf("expected reduced precision flag, got %+v", curve)
	}
}

func TestCombineSortsBySpacing(t *testing.T) {
	curve, err := Combine(
		[]Spacing{{AB2: 10}, {AB2: 1}, {AB2: 5}},
		[]Reading{{ApparentResistivity: 30}, {ApparentResistivity: 10}, {ApparentResistivity: 20}},
	)
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	got := curve.ApparentResistivities()
	if got[0] != 10 || got[1] != 20 || got[2] != 30 {
		t.Fatalf("expected readings to follow sorted spacings, got %v", got)
	}
}

func TestCombineRejectsDuplicateSpacing(t *testing.T) {
	_, err := Combine(
		[]Spacing{{AB2: 1}, {AB2: 1}},
		[]Reading{{ApparentResistivity: 10}, {ApparentResistivity: 10}},
	)
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestLoadSpacingsReportsLine(t *testing.T) {
	path := writeFile(t, "ab.txt", "1 0.5\nabc 1\n")
	_, err := LoadSpacings(path)
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if !strings.Contains(err.Error(), ":2:") {
		t.Fatalf("expected line number in error, got %v", err)
	}
	if _, err := LoadSpacings(writeFile(t, "empty.txt", "# nothing\n")); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected empty file error, got %v", err)
	}
	if _, err := LoadReadings(writeFile(t, "wide.txt", "1 2 3 4 5\n")); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected column count error, got %v", err)
	}
}

func TestLoadModel(t *testing.T) {
	m, err := LoadModel(writeFile(t, "model.txt", "100 10\n20 30\n500\n"))
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	if m.Len() != 3 || m.Layers[1].Thickness != 30 || m.Layers[2].Resistivity != 500 {
		t.Fatalf("unexpected model: %+v", m)
	}

	m, err = ReadModel(strings.NewReader("100 10\n500 99\n"), "inline")
	if err != nil {
		t.Fatalf("read model: %v", err)
	}
	if m.Layers[1].Resistivity != 500 {
		t.Fatalf("unexpected half-space: %+v", m)
	}

	if _, err := ReadModel(strings.NewReader("100\n500\n"), "inline"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected missing thickness error, got %v", err)
	}
	if _, err := ReadModel(strings.NewReader("-5\n"), "inline"); !errors.Is(err, model.ErrInvalidModel) {
		t.Fatalf("expected invalid model, got %v", err)
	}
}
