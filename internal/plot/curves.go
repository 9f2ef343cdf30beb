package plot

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/verte-zerg/vesfit/internal/misfit"
	"github.com/verte-zerg/vesfit/internal/report"
)

// CurveSeries converts a picket report into plot series: measured points,
// error bounds, the theoretical response and the model step curve.
func CurveSeries(r report.Report) []Series {
	series := []Series{
		{Name: "experimental", X: r.Spacings, Y: r.Observed, Points: true},
		{Name: "lower", X: r.Spacings, Y: r.Lower, Style: Dotted},
		{Name: "upper", X: r.Spacings, Y: r.Upper, Style: Dotted},
	}
	if !r.HasModel() {
		return series
	}
	series = append(series, Series{Name: "theoretical", X: r.Spacings, Y: r.Predicted, Style: Solid})

	if len(r.Steps) > 0 && len(r.Spacings) > 0 {
		left := math.Log10(r.Spacings[0])
		x := make([]float64, len(r.Steps))
		y := make([]float64, len(r.Steps))
		for i, v := range r.Steps {
			x[i] = math.Pow(10, math.Max(v.X, left))
			y[i] = math.Pow(10, v.Y)
		}
		series = append(series, Series{Name: "model", X: x, Y: y, Style: Dashed})
	}
	return series
}

// Curves renders the sounding plot of a picket report.
func Curves(w io.Writer, r report.Report, width, height int, forceColor bool) error {
	return LogLog(w, r.Picket, CurveSeries(r), width, height, forceColor)
}

// MisfitBars renders one bar per point, scaled to the quality limit. Points at
// or above the limit are marked with "!".
func MisfitBars(w io.Writer, res misfit.Result, width int, forceColor bool) error {
	if len(res.PerPoint) == 0 {
		return nil
	}
	if width <= 0 {
		width = WidthFor(terminalWidth())
	}
	const labelWidth = 10
	barWidth := max(width-labelWidth-2, minWidth)
	useColor := shouldUseColor(w, forceColor)
	for i, v := range res.PerPoint {
		frac := math.Min(math.Abs(v)/misfit.QualityLimit, 1)
		n := int(math.Round(frac * float64(barWidth)))
		bar := strings.Repeat("█", n)
		mark := " "
		if math.Abs(v) >= misfit.QualityLimit {
			mark = "!"
		}
		if useColor && bar != "" {
			color := colorPalette[3].code
			if mark == "!" {
				color = colorPalette[1].code
			}
			bar = color + bar + colorReset
		}
		label := runewidth.FillLeft(fmt.Sprintf("%+.1f%%", v), labelWidth)
		if _, err := fmt.Fprintf(w, "%3d %s %s%s\n", i+1, label, mark, bar); err != nil {
			return err
		}
	}
	return nil
}
