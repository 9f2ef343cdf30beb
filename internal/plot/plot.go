// Package plot draws log-log sounding curves as braille text.
package plot

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

// Series is a named curve in data units. NaN in X or Y breaks the line.
type Series struct {
	Name   string
	X      []float64
	Y      []float64
	Style  Style
	Points bool
}

// Style selects the dash pattern of a series.
type Style int

const (
	Solid Style = iota
	Dashed
	Dotted
	DashDot
)

type lineStyle struct {
	name   string
	period int
	on     int
}

var lineStyles = map[Style]lineStyle{
	Solid:   {name: "solid", period: 1, on: 1},
	Dashed:  {name: "dashed", period: 6, on: 3},
	Dotted:  {name: "dotted", period: 4, on: 1},
	DashDot: {name: "dashdot", period: 8, on: 3},
}

type ansiColor struct {
	name string
	code string
}

var colorPalette = []ansiColor{
	{name: "cyan", code: "\x1b[36m"},
	{name: "magenta", code: "\x1b[35m"},
	{name: "yellow", code: "\x1b[33m"},
	{name: "green", code: "\x1b[32m"},
	{name: "blue", code: "\x1b[34m"},
}

const (
	defaultHeight       = 12
	minWidth            = 10
	axisLabelWidth      = 6
	axisSeparator       = " │ "
	colorReset          = "\x1b[0m"
	terminalWidthBackup = 80
)

type bounds struct {
	minX, maxX float64
	minY, maxY float64
}

// LogLog renders series on shared log10 axes.
func LogLog(w io.Writer, title string, series []Series, width, height int, forceColor bool) error {
	logs := toLog(series)
	b, ok := dataBounds(logs)
	if !ok {
		return nil
	}
	if height <= 0 {
		height = defaultHeight
	}
	if width <= 0 {
		width = WidthFor(terminalWidth())
	}
	if width < minWidth {
		width = minWidth
	}

	cells := make([][][]uint8, len(logs))
	dotsX, dotsY := width*2, height*4
	for si, s := range logs {
		cells[si] = makeCells(height, width)
		style := lineStyles[s.Style]
		prevX, prevY := -1, -1
		for i := range s.X {
			if math.IsNaN(s.X[i]) || math.IsNaN(s.Y[i]) {
				prevX, prevY = -1, -1
				continue
			}
			px := scale(s.X[i], b.minX, b.maxX, dotsX)
			py := dotsY - 1 - scale(s.Y[i], b.minY, b.maxY, dotsY)
			switch {
			case s.Points:
				setBrailleDot(cells[si], px, py)
				setBrailleDot(cells[si], px+1, py)
			case prevX >= 0:
				drawLine(prevX, prevY, px, py, func(x, y int) {
					if style.shouldPlot(x + y) {
						setBrailleDot(cells[si], x, y)
					}
				})
			default:
				setBrailleDot(cells[si], px, py)
			}
			prevX, prevY = px, py
		}
	}

	useColor := shouldUseColor(w, forceColor)
	if title != "" {
		if _, err := fmt.Fprintln(w, title); err != nil {
			return err
		}
	}
	labels := decadeLabels(b.minY, b.maxY, height)
	for y := 0; y < height; y++ {
		var row strings.Builder
		row.WriteString(runewidth.FillLeft(labels[y], axisLabelWidth))
		row.WriteString(axisSeparator)
		for x := 0; x < width; x++ {
			mask, colorIdx := composeCell(cells, x, y)
			ch := brailleFromMask(mask)
			if useColor && colorIdx >= 0 {
				row.WriteString(colorPalette[colorIdx%len(colorPalette)].code)
				row.WriteRune(ch)
				row.WriteString(colorReset)
			} else {
				row.WriteRune(ch)
			}
		}
		if _, err := fmt.Fprintln(w, row.String()); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, xAxis(b.minX, b.maxX, width)); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, renderLegend(logs, useColor)); err != nil {
		return err
	}
	return nil
}

// WidthFor computes a plot width that fits within the total available width.
func WidthFor(totalWidth int) int {
	if totalWidth <= 0 {
		return minWidth
	}
	plotWidth := totalWidth - axisLabelWidth - runewidth.StringWidth(axisSeparator)
	if plotWidth < minWidth {
		plotWidth = minWidth
	}
	return plotWidth
}

func toLog(series []Series) []Series {
	out := make([]Series, 0, len(series))
	for _, s := range series {
		n := min(len(s.X), len(s.Y))
		if n == 0 {
			continue
		}
		ls := Series{Name: s.Name, Style: s.Style, Points: s.Points, X: make([]float64, n), Y: make([]float64, n)}
		for i := 0; i < n; i++ {
			ls.X[i] = safeLog(s.X[i])
			ls.Y[i] = safeLog(s.Y[i])
		}
		out = append(out, ls)
	}
	return out
}

func safeLog(v float64) float64 {
	if !(v > 0) || math.IsInf(v, 0) {
		return math.NaN()
	}
	return math.Log10(v)
}

func dataBounds(series []Series) (bounds, bool) {
	b := bounds{minX: math.Inf(1), maxX: math.Inf(-1), minY: math.Inf(1), maxY: math.Inf(-1)}
	found := false
	for _, s := range series {
		for i := range s.X {
			if math.IsNaN(s.X[i]) || math.IsNaN(s.Y[i]) {
				continue
			}
			found = true
			b.minX = math.Min(b.minX, s.X[i])
			b.maxX = math.Max(b.maxX, s.X[i])
			b.minY = math.Min(b.minY, s.Y[i])
			b.maxY = math.Max(b.maxY, s.Y[i])
		}
	}
	if !found {
		return b, false
	}
	if b.maxX-b.minX < 1e-9 {
		b.minX -= 0.5
		b.maxX += 0.5
	}
	if b.maxY-b.minY < 1e-9 {
		b.minY -= 0.5
		b.maxY += 0.5
	}
	return b, true
}

func scale(v, lo, hi float64, n int) int {
	if n <= 1 {
		return 0
	}
	pos := int(math.Round((v - lo) / (hi - lo) * float64(n-1)))
	return max(0, min(n-1, pos))
}

// decadeLabels puts a power-of-ten label on each row whose band contains one.
func decadeLabels(minY, maxY float64, height int) []string {
	labels := make([]string, height)
	if height == 0 {
		return labels
	}
	step := (maxY - minY) / float64(height)
	for y := 0; y < height; y++ {
		top := maxY - float64(y)*step
		bottom := top - step
		d := math.Floor(top)
		if d > bottom || (y == height-1 && d >= bottom) {
			labels[y] = decade(int(d))
		}
	}
	return labels
}

func decade(d int) string {
	if d >= -2 && d <= 5 {
		return fmt.Sprintf("%g", math.Pow(10, float64(d)))
	}
	return fmt.Sprintf("1e%d", d)
}

func xAxis(minX, maxX float64, width int) string {
	left := decade(int(math.Ceil(minX)))
	right := decade(int(math.Floor(maxX)))
	pad := width - runewidth.StringWidth(left) - runewidth.StringWidth(right)
	if pad < 1 {
		pad = 1
	}
	return strings.Repeat(" ", axisLabelWidth+runewidth.StringWidth(axisSeparator)) + left + strings.Repeat(" ", pad) + right
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return terminalWidthBackup
	}
	return width
}

func shouldUseColor(w io.Writer, force bool) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if force {
		return true
	}
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}

func makeCells(height, width int) [][]uint8 {
	cells := make([][]uint8, height)
	for y := range cells {
		cells[y] = make([]uint8, width)
	}
	return cells
}

func composeCell(seriesCells [][][]uint8, x, y int) (uint8, int) {
	var mask uint8
	colorIdx := -1
	for i, cells := range seriesCells {
		cellMask := cells[y][x]
		if cellMask == 0 {
			continue
		}
		if colorIdx == -1 {
			colorIdx = i
		}
		mask |= cellMask
	}
	return mask, colorIdx
}

func (ls lineStyle) shouldPlot(x int) bool {
	if ls.period <= 1 {
		return true
	}
	if x < 0 {
		x = -x
	}
	return x%ls.period < ls.on
}

func renderLegend(series []Series, useColor bool) string {
	parts := make([]string, 0, len(series))
	marker := brailleFromMask(0x01)
	for i, s := range series {
		kind := lineStyles[s.Style].name
		if s.Points {
			kind = "points"
		}
		label := fmt.Sprintf("%c %s (%s)", marker, s.Name, kind)
		if useColor {
			label = colorPalette[i%len(colorPalette)].code + label + colorReset
		}
		parts = append(parts, label)
	}
	return "Legend: " + strings.Join(parts, "  ")
}

func drawLine(x0, y0, x1, y1 int, plot func(x, y int)) {
	dx := abs(x1 - x0)
	sx := -1
	if x0 < x1 {
		sx = 1
	}
	dy := -abs(y1 - y0)
	sy := -1
	if y0 < y1 {
		sy = 1
	}
	err := dx + dy
	for {
		plot(x0, y0)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func setBrailleDot(cells [][]uint8, x, y int) {
	if y < 0 || x < 0 {
		return
	}
	cellY, cellX := y/4, x/2
	if cellY >= len(cells) || cellX >= len(cells[cellY]) {
		return
	}
	cells[cellY][cellX] |= brailleDotMask(x%2, y%4)
}

func brailleDotMask(x, y int) uint8 {
	masks := [2][4]uint8{
		{0x01, 0x02, 0x04, 0x40},
		{0x08, 0x10, 0x20, 0x80},
	}
	return masks[x][y]
}

func brailleFromMask(mask uint8) rune {
	return rune(0x2800 + int(mask))
}
