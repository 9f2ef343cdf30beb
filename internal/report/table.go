package report

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/verte-zerg/vesfit/internal/misfit"
	"github.com/verte-zerg/vesfit/internal/model"
)

// LayerTable renders a model as aligned rows of resistivity, thickness and depth.
func LayerTable(m model.LayeredModel) []string {
	headers := []string{"#", "ρ, Ω·m", "h, m", "z, m"}
	depths := m.Depths()
	rows := make([][]string, 0, m.Len())
	for i, l := range m.Layers {
		h, z := "∞", "∞"
		if i < len(depths) {
			h = formatValue(l.Thickness)
			z = formatValue(depths[i])
		}
		rows = append(rows, []string{strconv.Itoa(i + 1), formatValue(l.Resistivity), h, z})
	}
	return formatTable(headers, rows, map[int]bool{0: true, 1: true, 2: true, 3: true})
}

// MeasurementTable renders observed and predicted values per spacing. Rows
// whose discrepancy reaches the quality limit end with a "!" marker.
func MeasurementTable(r Report) []string {
	headers := []string{"AB/2", "ρa obs", "err%"}
	if r.HasModel() {
		headers = append(headers, "ρa calc", "Δ%", "")
	}
	failed := make(map[int]bool, len(r.Failures))
	for _, i := range r.Failures {
		failed[i] = true
	}
	rows := make([][]string, 0, len(r.Spacings))
	for i, s := range r.Spacings {
		row := []string{formatValue(s), formatValue(r.Observed[i]), fmt.Sprintf("%.1f", r.Errors[i])}
		if r.HasModel() {
			mark := ""
			if failed[i] {
				mark = "!"
			}
			row = append(row,
				formatValue(r.Predicted[i]),
				fmt.Sprintf("%+.1f", r.Misfit.PerPoint[i]),
				mark,
			)
		}
		rows = append(rows, row)
	}
	return formatTable(headers, rows, map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true})
}

// Summary is a one-line description of fit quality.
func Summary(r Report) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s: %d points", r.Picket, len(r.Spacings)))
	if r.HasModel() {
		b.WriteString(fmt.Sprintf(", %d layers, misfit %.4g, rms %.2f%%", r.Model.Len(), r.Misfit.Aggregate, r.Misfit.RMS()))
		if n := len(r.Failures); n > 0 {
			b.WriteString(fmt.Sprintf(", %d over %.0f%%", n, misfit.QualityLimit))
		}
	}
	if r.ReducedPrecision {
		b.WriteString(", reduced precision")
	}
	return b.String()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', 5, 64)
}

func formatTable(headers []string, rows [][]string, rightAlignCols map[int]bool) []string {
	colCount := len(headers)
	for _, row := range rows {
		if len(row) > colCount {
			colCount = len(row)
		}
	}
	if colCount == 0 {
		return nil
	}

	widths := make([]int, colCount)
	for i, header := range headers {
		widths[i] = runewidth.StringWidth(header)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, formatRow(headers, widths, rightAlignCols))
	for _, row := range rows {
		lines = append(lines, formatRow(row, widths, rightAlignCols))
	}
	return lines
}

func formatRow(row []string, widths []int, rightAlignCols map[int]bool) string {
	var b strings.Builder
	for i, width := range widths {
		cell := ""
		if i < len(row) {
			cell = row[i]
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		if rightAlignCols[i] {
			b.WriteString(runewidth.FillLeft(cell, width))
		} else {
			b.WriteString(runewidth.FillRight(cell, width))
		}
	}
	return strings.TrimRight(b.String(), " ")
}
