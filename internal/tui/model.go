// Package tui provides the Bubble Tea sounding curve editor.
package tui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/verte-zerg/vesfit/internal/editor"
	"github.com/verte-zerg/vesfit/internal/inverse"
	"github.com/verte-zerg/vesfit/internal/misfit"
	"github.com/verte-zerg/vesfit/internal/model"
	"github.com/verte-zerg/vesfit/internal/plot"
	"github.com/verte-zerg/vesfit/internal/report"
	"github.com/verte-zerg/vesfit/internal/session"
)

const (
	plotHeight  = 14
	defaultStep = 0.05
)

var (
	footerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6E6E6E"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#C89A3A"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4D4F"))
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F0F0F0")).Bold(true)
)

type fitDoneMsg struct {
	picket string
	result inverse.Result
	err    error
}

type saveDoneMsg struct {
	err error
}

// Model implements the Bubble Tea editor UI.
type Model struct {
	session *session.Session
	step    float64
	log     *zap.SugaredLogger

	width    int
	height   int
	viewport viewport.Model

	vertex int
	// fits counts fit commands whose result has not arrived yet.
	fits   int
	status string
	errMsg string
}

// NewModel constructs an editor over a session. cfg.EditStep is the arrow key
// displacement in log10 units.
func NewModel(s *session.Session, cfg model.Config, logger *zap.SugaredLogger) *Model {
	step := cfg.EditStep
	if step <= 0 {
		step = defaultStep
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	m := &Model{
		session:  s,
		step:     step,
		log:      logger,
		viewport: viewport.New(0, 0),
	}
	m.refresh()
	return m
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = m.width
		m.viewport.Height = max(1, m.height-footerHeight)
		m.refresh()
		return m, nil
	case fitDoneMsg:
		m.handleFitDone(msg)
		return m, nil
	case saveDoneMsg:
		if msg.err != nil {
			m.setError("could not save models", msg.err)
		} else {
			m.status = "saved"
			m.errMsg = ""
		}
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	body := fitLines(m.viewport.View(), m.width, max(1, m.height-footerHeight))
	footer := fitLines(m.renderFooter(), m.width, footerHeight)
	return body + "\n" + footer
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "n":
		if m.session.Next() {
			m.vertex = 0
			m.status = ""
			m.refresh()
		}
		return m, nil
	case "p":
		if m.session.Prev() {
			m.vertex = 0
			m.status = ""
			m.refresh()
		}
		return m, nil
	case "tab":
		m.cycleVertex(1)
		return m, nil
	case "shift+tab":
		m.cycleVertex(-1)
		return m, nil
	case "up":
		m.nudge(0, m.step)
		return m, nil
	case "down":
		m.nudge(0, -m.step)
		return m, nil
	case "left":
		m.nudge(-m.step, 0)
		return m, nil
	case "right":
		m.nudge(m.step, 0)
		return m, nil
	case "u":
		if m.session.Undo() {
			m.status = "undone"
			m.refresh()
		}
		return m, nil
	case "r":
		if m.session.Redo() {
			m.status = "redone"
			m.refresh()
		}
		return m, nil
	case "f":
		m.fits++
		m.status = ""
		m.errMsg = ""
		return m, m.fitCmd()
	case "s":
		m.status = "saving..."
		return m, m.saveCmd()
	default:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
}

func (m *Model) fitCmd() tea.Cmd {
	s := m.session
	name := s.Current().Name
	return func() tea.Msg {
		res, err := s.Fit(context.Background())
		return fitDoneMsg{picket: name, result: res, err: err}
	}
}

func (m *Model) saveCmd() tea.Cmd {
	s := m.session
	return func() tea.Msg {
		return saveDoneMsg{err: s.Save(context.Background())}
	}
}

func (m *Model) handleFitDone(msg fitDoneMsg) {
	if m.fits > 0 {
		m.fits--
	}
	if errors.Is(msg.err, session.ErrSuperseded) {
		return
	}
	if msg.err != nil {
		m.setError("could not fit model", msg.err)
		m.refresh()
		return
	}
	m.errMsg = ""
	m.status = fmt.Sprintf("fitted %s: misfit %.4g -> %.4g in %d evaluations",
		msg.picket, msg.result.InitialMisfit, msg.result.Misfit, msg.result.Evaluations)
	m.refresh()
}

func (m *Model) setError(prefix string, err error) {
	m.log.Warnw(prefix, "error", err)
	m.status = ""
	m.errMsg = describeError(prefix, err)
}

func (m *Model) cycleVertex(delta int) {
	n := m.vertexCount()
	if n == 0 {
		return
	}
	m.vertex = (m.vertex + delta + n) % n
	m.refresh()
}

func (m *Model) vertexCount() int {
	p := m.session.Current()
	if !p.HasModel() {
		return 0
	}
	return 2 * p.Model.Len()
}

func (m *Model) nudge(dx, dy float64) {
	if err := m.session.Nudge(m.vertex, dx, dy); err != nil {
		m.setError("could not edit model", err)
		return
	}
	m.errMsg = ""
	m.status = ""
	m.refresh()
}

// refresh rebuilds the scrollable body for the current picket.
func (m *Model) refresh() {
	if n := m.vertexCount(); m.vertex >= n {
		m.vertex = max(0, n-1)
	}
	m.viewport.SetContent(m.renderBody())
}

func (m *Model) renderBody() string {
	r, err := m.session.Report()
	if err != nil {
		return errorStyle.Render(describeError("could not evaluate picket", err))
	}
	var b bytes.Buffer
	b.WriteString(titleStyle.Render(report.Summary(r)))
	b.WriteString("\n\n")
	width := plot.WidthFor(m.width)
	if err := plot.Curves(&b, r, width, plotHeight, true); err != nil {
		b.WriteString(errorStyle.Render(err.Error()) + "\n")
	}
	if r.HasModel() {
		b.WriteString("\n")
		if err := plot.MisfitBars(&b, r.Misfit, width, true); err != nil {
			b.WriteString(errorStyle.Render(err.Error()) + "\n")
		}
		b.WriteString("\n")
		b.WriteString(strings.Join(m.layerTable(*r.Model), "\n"))
		b.WriteString("\n")
	}
	return b.String()
}

// layerTable marks the layer whose resistivity the selected vertex carries.
func (m *Model) layerTable(lm model.LayeredModel) []string {
	lines := report.LayerTable(lm)
	target, err := editor.VertexTarget(2*lm.Len(), m.vertex, 0, 1)
	if err != nil {
		return lines
	}
	row := target.Index + 1
	if row < len(lines) {
		lines[row] = warningStyle.Render(lines[row] + "  <")
	}
	return lines
}

const footerHeight = 2

func (m *Model) renderFooter() string {
	p := m.session.Current()
	segments := []string{fmt.Sprintf("Picket %d/%d %s", m.session.Index()+1, m.session.Len(), p.Name)}
	if r, err := m.session.Report(); err == nil && r.HasModel() {
		segments = append(segments, fmt.Sprintf("RMS %.2f%%", r.Misfit.RMS()))
		if n := len(r.Failures); n > 0 {
			segments = append(segments, fmt.Sprintf("%d points over %.0f%%", n, misfit.QualityLimit))
		}
	} else if err == nil {
		segments = append(segments, "no model")
	}
	if n := m.vertexCount(); n > 0 {
		segments = append(segments, fmt.Sprintf("Vertex %d/%d", m.vertex+1, n))
	}
	if m.session.Dirty() {
		segments = append(segments, "modified")
	}
	if m.fits > 0 {
		segments = append(segments, "fitting")
	}
	line := footerStyle.Render(truncateLine(strings.Join(segments, "  "), m.width))
	if p.Curve.ReducedPrecision() {
		line += "  " + warningStyle.Render("reduced precision")
	}

	second := footerStyle.Render(truncateLine("n/p picket  tab vertex  arrows drag  f fit  u/r undo/redo  s save  q quit", m.width))
	switch {
	case m.errMsg != "":
		second = errorStyle.Render(truncateLine(m.errMsg, m.width))
	case m.status != "":
		second = footerStyle.Render(truncateLine(m.status, m.width))
	}
	return line + "\n" + second
}

func describeError(prefix string, err error) string {
	switch {
	case errors.Is(err, model.ErrUnavailableBackend):
		return "forward solver backend unavailable: " + err.Error()
	case errors.Is(err, model.ErrNonConvergent):
		return prefix + ": inversion did not converge"
	case errors.Is(err, model.ErrInvalidModel), errors.Is(err, model.ErrInvalidInput):
		return prefix + ": " + err.Error()
	}
	return fmt.Sprintf("%s: %v", prefix, err)
}
