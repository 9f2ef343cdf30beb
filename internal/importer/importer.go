// Package importer reads sounding curves and layered models from plain text tables.
package importer

import (
	"bufio"
	"cmp"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/verte-zerg/vesfit/internal/model"
)

// Spacing is one electrode geometry row.
type Spacing struct {
	AB2 float64
	MN2 float64
}

// Reading is one measured row. Columns after the apparent resistivity are optional.
type Reading struct {
	ApparentResistivity float64
	RelativeError       float64
	Current             float64
	Voltage             float64
}

// LoadSpacings reads "AB/2 MN/2" rows from a file.
func LoadSpacings(path string) ([]Spacing, error) {
	var out []Spacing
	err := readFile(path, 1, 2, func(fields []float64) error {
		s := Spacing{AB2: fields[0]}
		if len(fields) > 1 {
			s.MN2 = fields[1]
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

// LoadReadings reads "rho err% I U" rows from a file.
func LoadReadings(path string) ([]Reading, error) {
	var out []Reading
	err := readFile(path, 1, 4, func(fields []float64) error {
		r := Reading{ApparentResistivity: fields[0]}
		opt := []*float64{&r.RelativeError, &r.Current, &r.Voltage}
		for i, v := range fields[1:] {
			*opt[i] = v
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// LoadCurve combines a spacing file and a reading file into a validated curve.
// When the files differ in length the curve is truncated to the shorter one
// and both counts are kept, which marks it as reduced precision.
func LoadCurve(spacingsPath, readingsPath string) (model.SoundingCurve, error) {
	spacings, err := LoadSpacings(spacingsPath)
	if err != nil {
		return model.SoundingCurve{}, err
	}
	readings, err := LoadReadings(readingsPath)
	if err != nil {
		return model.SoundingCurve{}, err
	}
	return Combine(spacings, readings)
}

// Combine zips spacings and readings into a curve sorted by AB/2.
func Combine(spacings []Spacing, readings []Reading) (model.SoundingCurve, error) {
	n := min(len(spacings), len(readings))
	curve := model.SoundingCurve{
		Measurements: make([]model.Measurement, n),
		SpacingCount: len(spacings),
		ReadingCount: len(readings),
	}
	for i := 0; i < n; i++ {
		curve.Measurements[i] = model.Measurement{
			AB2:                 spacings[i].AB2,
			MN2:                 spacings[i].MN2,
			ApparentResistivity: readings[i].ApparentResistivity,
			RelativeError:       readings[i].RelativeError,
			Current:             readings[i].Current,
			Voltage:             readings[i].Voltage,
		}
	}
	slices.SortStableFunc(curve.Measurements, func(a, b model.Measurement) int {
		return cmp.Compare(a.AB2, b.AB2)
	})
	if err := curve.Validate(); err != nil {
		return model.SoundingCurve{}, err
	}
	return curve, nil
}

// LoadModel reads "rho h" rows, topmost layer first. The thickness of the last
// row is optional and ignored.
func LoadModel(path string) (model.LayeredModel, error) {
	file, err := os.Open(path)
	if err != nil {
		return model.LayeredModel{}, err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			// Best-effort close for read-only input.
			_ = cerr
		}
	}()
	return ReadModel(file, path)
}

// ReadModel parses a model table from r; name is used in error messages.
func ReadModel(r io.Reader, name string) (model.LayeredModel, error) {
	type row struct {
		line   int
		fields []float64
	}
	var rows []row
	err := scan(r, name, 1, 2, func(line int, fields []float64) error {
		rows = append(rows, row{line: line, fields: fields})
		return nil
	})
	if err != nil {
		return model.LayeredModel{}, err
	}
	if len(rows) == 0 {
		return model.LayeredModel{}, fmt.Errorf("%w: %s: no layers", model.ErrInvalidInput, name)
	}
	m := model.LayeredModel{Layers: make([]model.Layer, len(rows))}
	for i, r := range rows {
		m.Layers[i].Resistivity = r.fields[0]
		if i == len(rows)-1 {
			continue
		}
		if len(r.fields) < 2 {
			return model.LayeredModel{}, fmt.Errorf("%w: %s:%d: missing thickness", model.ErrInvalidInput, name, r.line)
		}
		m.Layers[i].Thickness = r.fields[1]
	}
	if err := m.Validate(); err != nil {
		return model.LayeredModel{}, fmt.Errorf("%s: %w", name, err)
	}
	return m, nil
}

func readFile(path string, minCols, maxCols int, fn func([]float64) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			// Best-effort close for read-only input.
			_ = cerr
		}
	}()
	rows := 0
	err = scan(file, path, minCols, maxCols, func(_ int, fields []float64) error {
		rows++
		return fn(fields)
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s is empty", model.ErrInvalidInput, path)
	}
	return nil
}

// scan calls fn for every data row. Blank lines and "#" comments are skipped.
func scan(r io.Reader, name string, minCols, maxCols int, fn func(line int, fields []float64) error) error {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		parts := strings.Fields(text)
		if len(parts) == 0 {
			continue
		}
		if len(parts) < minCols || len(parts) > maxCols {
			return fmt.Errorf("%w: %s:%d: expected %d to %d columns, got %d", model.ErrInvalidInput, name, line, minCols, maxCols, len(parts))
		}
		fields := make([]float64, len(parts))
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.ReplaceAll(p, ",", "."), 64)
			if err != nil {
				return fmt.Errorf("%w: %s:%d: column %d: %q is not a number", model.ErrInvalidInput, name, line, i+1, p)
			}
			fields[i] = v
		}
		if err := fn(line, fields); err != nil {
			return err
		}
	}
	return scanner.Err()
}
