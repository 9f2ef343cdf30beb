// Package main provides the CLI entrypoint for vesfit.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/verte-zerg/vesfit/internal/config"
	"github.com/verte-zerg/vesfit/internal/editor"
	"github.com/verte-zerg/vesfit/internal/forward"
	"github.com/verte-zerg/vesfit/internal/importer"
	"github.com/verte-zerg/vesfit/internal/inverse"
	"github.com/verte-zerg/vesfit/internal/log"
	"github.com/verte-zerg/vesfit/internal/misfit"
	"github.com/verte-zerg/vesfit/internal/model"
	"github.com/verte-zerg/vesfit/internal/plot"
	"github.com/verte-zerg/vesfit/internal/report"
	"github.com/verte-zerg/vesfit/internal/session"
	"github.com/verte-zerg/vesfit/internal/store"
	"github.com/verte-zerg/vesfit/internal/tui"
)

const (
	defaultWorkers    = 4
	defaultEditStep   = 0.05
	defaultPlotHeight = 16
)

var (
	dbPath      string
	backendName string
	misfitName  string

	editorSection string

	importSection  string
	importSpacings string
	importReadings string
	importModel    string
	importName     string

	solveSection string
	solvePicket  string
	solvePlot    bool

	fitSection string
	fitPicket  string
	fitAll     bool
	fitWorkers int

	historySection string
	historyPicket  string
)

func main() {
	rootCmd := newRootCmd()
	err := rootCmd.Execute()
	log.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "vesfit",
		Short:         "Interpret vertical electrical soundings",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          runEditorCmd,
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", config.DefaultDBPath(), "database path")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", forward.DefaultBackend, "forward solver backend")
	rootCmd.PersistentFlags().StringVar(&misfitName, "misfit", "log-squares", "misfit measure (log-squares, error-weighted)")
	rootCmd.Flags().StringVar(&editorSection, "section", "", "section name or id")

	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newSectionsCmd())
	rootCmd.AddCommand(newSolveCmd())
	rootCmd.AddCommand(newFitCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}

// settings is the file config merged with command line flags.
type settings struct {
	editor  model.Config
	fit     model.FitConfig
	debug   bool
	logPath string
}

func loadSettings(cmd *cobra.Command) (settings, error) {
	fileCfg, err := config.LoadConfig(config.DefaultConfigPath())
	if err != nil {
		return settings{}, fmt.Errorf("failed to load config: %w", err)
	}
	applyStringConfig(cmd, "backend", &backendName, fileCfg.Solver.Backend)
	applyStringConfig(cmd, "misfit", &misfitName, fileCfg.Inversion.Misfit)
	applyIntConfig(cmd, "workers", &fitWorkers, fileCfg.Inversion.Workers)

	s := settings{
		editor: model.Config{
			Backend:  backendName,
			Misfit:   misfitName,
			EditStep: defaultEditStep,
		},
		logPath: config.DefaultLogPath(),
	}
	setFloat(&s.fit.SideLength, fileCfg.Inversion.SideLength)
	setFloat(&s.fit.RelativeThreshold, fileCfg.Inversion.RelativeThreshold)
	setFloat(&s.fit.AbsoluteThreshold, fileCfg.Inversion.AbsoluteThreshold)
	setInt(&s.fit.StallIterations, fileCfg.Inversion.StallIterations)
	setInt(&s.fit.MaxEvaluations, fileCfg.Inversion.MaxEvaluations)
	setInt(&s.fit.MaxIterations, fileCfg.Inversion.MaxIterations)
	s.fit.Workers = fitWorkers
	setFloat(&s.editor.EditTolerance, fileCfg.Editor.Tolerance)
	setFloat(&s.editor.MinThickness, fileCfg.Editor.MinThickness)
	setFloat(&s.editor.EditStep, fileCfg.Editor.Step)
	if fileCfg.Log.Debug != nil {
		s.debug = *fileCfg.Log.Debug
	}
	if fileCfg.Log.File != nil && *fileCfg.Log.File != "" {
		s.logPath = *fileCfg.Log.File
	}

	if err := validateSettings(s); err != nil {
		return settings{}, err
	}
	if err := log.Init(s.debug, s.logPath); err != nil {
		return settings{}, err
	}
	return s, nil
}

func validateSettings(s settings) error {
	if _, err := forward.Backend(s.editor.Backend); err != nil {
		return describeError("invalid --backend", err)
	}
	if _, err := misfit.ByName(s.editor.Misfit, model.SoundingCurve{}); err != nil {
		return fmt.Errorf("invalid --misfit: %w", err)
	}
	if s.fit.Workers < 0 {
		return fmt.Errorf("--workers must be >= 0")
	}
	if s.editor.EditStep <= 0 {
		return fmt.Errorf("editor step must be > 0")
	}
	return nil
}

func openSession(ctx context.Context, st *store.Store, s settings, section string) (*session.Session, error) {
	sec, err := loadSection(ctx, st, section)
	if err != nil {
		return nil, err
	}
	solver, err := forward.Backend(s.editor.Backend)
	if err != nil {
		return nil, describeError("failed to open section", err)
	}
	editOpts := editor.DefaultOptions()
	if s.editor.EditTolerance > 0 {
		editOpts.Tolerance = s.editor.EditTolerance
	}
	if s.editor.MinThickness > 0 {
		editOpts.MinThickness = s.editor.MinThickness
	}
	return session.New(sec, session.Options{
		Solver: solver,
		Misfit: s.editor.Misfit,
		Fit:    inverse.FromConfig(s.fit),
		Editor: editOpts,
		Saver:  st,
		Logger: log.Named("session"),
	})
}

func loadSection(ctx context.Context, st *store.Store, section string) (model.Section, error) {
	if section == "" {
		sums, err := st.ListSections(ctx)
		if err != nil {
			return model.Section{}, fmt.Errorf("failed to list sections: %w", err)
		}
		if len(sums) != 1 {
			return model.Section{}, fmt.Errorf("--section is required (%d sections stored)", len(sums))
		}
		section = sums[0].ID
	}
	sec, err := st.LoadSection(ctx, section)
	if err != nil {
		return model.Section{}, fmt.Errorf("failed to load section: %w", err)
	}
	return sec, nil
}

// findPicket resolves a picket by 1-based position, name or id.
func findPicket(sec model.Section, key string) (int, error) {
	if key == "" {
		return 0, fmt.Errorf("--picket is required")
	}
	for i, p := range sec.Pickets {
		if p.ID == key || p.Name == key {
			return i, nil
		}
	}
	if n, err := strconv.Atoi(key); err == nil && n >= 1 && n <= len(sec.Pickets) {
		return n - 1, nil
	}
	return 0, fmt.Errorf("picket %q not found in section %q", key, sec.Name)
}

func openStore() (*store.Store, error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	return st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		log.Errorw("failed to close db", "error", err)
	}
}

func runEditorCmd(cmd *cobra.Command, _ []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)

	sess, err := openSession(cmd.Context(), st, s, editorSection)
	if err != nil {
		return err
	}
	program := tea.NewProgram(tui.NewModel(sess, s.editor, log.Named("tui")), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("failed to run TUI: %w", err)
	}
	if sess.Dirty() {
		fmt.Fprintln(cmd.ErrOrStderr(), "unsaved model changes were discarded")
	}
	return nil
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a sounding as a new picket",
		Args:  cobra.NoArgs,
		RunE:  runImportCmd,
	}
	cmd.Flags().StringVar(&importSection, "section", "", "section name (created when missing)")
	cmd.Flags().StringVar(&importSpacings, "spacings", "", "AB/2 MN/2 table")
	cmd.Flags().StringVar(&importReadings, "readings", "", "apparent resistivity table")
	cmd.Flags().StringVar(&importModel, "model", "", "initial layered model table")
	cmd.Flags().StringVar(&importName, "name", "", "picket name")
	_ = cmd.MarkFlagRequired("section")
	_ = cmd.MarkFlagRequired("spacings")
	_ = cmd.MarkFlagRequired("readings")
	return cmd
}

func runImportCmd(cmd *cobra.Command, _ []string) error {
	if _, err := loadSettings(cmd); err != nil {
		return err
	}
	curve, err := importer.LoadCurve(importSpacings, importReadings)
	if err != nil {
		return fmt.Errorf("failed to read sounding: %w", err)
	}
	p := model.Picket{Name: importName, Curve: curve}
	if importModel != "" {
		m, err := importer.LoadModel(importModel)
		if err != nil {
			return fmt.Errorf("failed to read model: %w", err)
		}
		p.Model = &m
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmd.Context()
	sectionID := ""
	sum, err := st.FindSection(ctx, importSection)
	switch {
	case err == nil:
		sectionID = sum.ID
	case errors.Is(err, store.ErrNotFound):
		sec, err := st.CreateSection(ctx, importSection)
		if err != nil {
			return fmt.Errorf("failed to create section: %w", err)
		}
		sectionID = sec.ID
	default:
		return fmt.Errorf("failed to find section: %w", err)
	}

	added, err := st.AddPicket(ctx, sectionID, p)
	if err != nil {
		return fmt.Errorf("failed to add picket: %w", err)
	}
	log.Infow("picket imported", "section", importSection, "picket", added.Name, "points", curve.Len())
	out := cmd.OutOrStdout()
	if _, err := fmt.Fprintf(out, "added %s to %s (%d points)\n", added.Name, importSection, curve.Len()); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if curve.ReducedPrecision() {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %d spacings and %d readings, curve truncated\n", curve.SpacingCount, curve.ReadingCount)
	}
	return nil
}

func newSectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sections",
		Short: "List stored sections",
		Args:  cobra.NoArgs,
		RunE:  runSectionsCmd,
	}
}

func runSectionsCmd(cmd *cobra.Command, _ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)

	sums, err := st.ListSections(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list sections: %w", err)
	}
	if len(sums) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No sections yet. Import one with: vesfit import --section <name>")
		return nil
	}
	for _, sum := range sums {
		if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%-24s %4d pickets  %s  %s\n",
			sum.Name, sum.PicketCount, sum.CreatedAt.Local().Format("2006-01-02"), sum.ID); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
	return nil
}

func newSolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Compare a picket's model with its measurements",
		Args:  cobra.NoArgs,
		RunE:  runSolveCmd,
	}
	cmd.Flags().StringVar(&solveSection, "section", "", "section name or id")
	cmd.Flags().StringVar(&solvePicket, "picket", "", "picket number, name or id")
	cmd.Flags().BoolVar(&solvePlot, "plot", false, "draw the curves")
	return cmd
}

func runSolveCmd(cmd *cobra.Command, _ []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)

	sec, err := loadSection(cmd.Context(), st, solveSection)
	if err != nil {
		return err
	}
	i, err := findPicket(sec, solvePicket)
	if err != nil {
		return err
	}
	p := sec.Pickets[i]
	solver, err := forward.Backend(s.editor.Backend)
	if err != nil {
		return describeError("could not solve", err)
	}
	evaluator, err := misfit.ByName(s.editor.Misfit, p.Curve)
	if err != nil {
		return err
	}
	r, err := report.Build(p, solver, evaluator)
	if err != nil {
		return describeError("could not solve", err)
	}
	return writeReport(cmd.OutOrStdout(), r, solvePlot)
}

func writeReport(w io.Writer, r report.Report, withPlot bool) error {
	lines := []string{report.Summary(r), ""}
	lines = append(lines, report.MeasurementTable(r)...)
	if r.HasModel() {
		lines = append(lines, "")
		lines = append(lines, report.LayerTable(*r.Model)...)
	}
	if _, err := fmt.Fprintln(w, strings.Join(lines, "\n")); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if !withPlot {
		return nil
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if err := plot.Curves(w, r, 0, defaultPlotHeight, false); err != nil {
		return fmt.Errorf("failed to plot: %w", err)
	}
	if r.HasModel() {
		if err := plot.MisfitBars(w, r.Misfit, 0, false); err != nil {
			return fmt.Errorf("failed to plot: %w", err)
		}
	}
	return nil
}

func newFitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit picket models to their measurements and save them",
		Args:  cobra.NoArgs,
		RunE:  runFitCmd,
	}
	cmd.Flags().StringVar(&fitSection, "section", "", "section name or id")
	cmd.Flags().StringVar(&fitPicket, "picket", "", "picket number, name or id")
	cmd.Flags().BoolVar(&fitAll, "all", false, "fit every picket with a model")
	cmd.Flags().IntVar(&fitWorkers, "workers", defaultWorkers, "concurrent fits with --all")
	cmd.MarkFlagsMutuallyExclusive("picket", "all")
	cmd.MarkFlagsOneRequired("picket", "all")
	return cmd
}

func runFitCmd(cmd *cobra.Command, _ []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	sess, err := openSession(ctx, st, s, fitSection)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	var fitErr error
	if fitAll {
		fitErr = fitEvery(ctx, out, sess, s.fit.Workers)
	} else {
		fitErr = fitOne(ctx, out, sess)
	}
	if err := sess.Save(ctx); err != nil {
		return fmt.Errorf("failed to save models: %w", err)
	}
	return fitErr
}

func fitOne(ctx context.Context, w io.Writer, sess *session.Session) error {
	i, err := findPicket(sess.Section(), fitPicket)
	if err != nil {
		return err
	}
	if err := sess.Select(i); err != nil {
		return err
	}
	name := sess.Current().Name
	res, err := sess.Fit(ctx)
	if err != nil {
		return describeError("could not fit model", err)
	}
	if _, err := fmt.Fprintln(w, formatOutcome(name, res)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func fitEvery(ctx context.Context, w io.Writer, sess *session.Session, workers int) error {
	outcomes, err := sess.FitAll(ctx, workers)
	if err != nil {
		return describeError("could not fit models", err)
	}
	if len(outcomes) == 0 {
		fmt.Fprintln(w, "no pickets with a model to fit")
		return nil
	}
	failed := 0
	for _, o := range outcomes {
		line := formatOutcome(o.Picket, o.Result)
		if o.Err != nil {
			failed++
			line = describeError(o.Picket+": could not fit model", o.Err).Error()
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d fits failed", failed, len(outcomes))
	}
	return nil
}

func formatOutcome(name string, res inverse.Result) string {
	return fmt.Sprintf("%s: misfit %.4g -> %.4g, %d evaluations, %d iterations",
		name, res.InitialMisfit, res.Misfit, res.Evaluations, res.Iterations)
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List saved models of a picket",
		Args:  cobra.NoArgs,
		RunE:  runHistoryCmd,
	}
	cmd.Flags().StringVar(&historySection, "section", "", "section name or id")
	cmd.Flags().StringVar(&historyPicket, "picket", "", "picket number, name or id")
	return cmd
}

func runHistoryCmd(cmd *cobra.Command, _ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmd.Context()
	sec, err := loadSection(ctx, st, historySection)
	if err != nil {
		return err
	}
	i, err := findPicket(sec, historyPicket)
	if err != nil {
		return err
	}
	snapshots, err := st.ModelHistory(ctx, sec.Pickets[i].ID)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	out := cmd.OutOrStdout()
	for _, snap := range snapshots {
		if _, err := fmt.Fprintf(out, "#%d  %s  %s\n", snap.Seq, snap.SavedAt.Local().Format(time.DateTime), formatLayers(snap.Model)); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
	return nil
}

func formatLayers(m model.LayeredModel) string {
	parts := make([]string, 0, m.Len())
	for i, l := range m.Layers {
		if i == m.Len()-1 {
			parts = append(parts, fmt.Sprintf("%.4g", l.Resistivity))
			continue
		}
		parts = append(parts, fmt.Sprintf("%.4g/%.4g", l.Resistivity, l.Thickness))
	}
	return strings.Join(parts, " ")
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Create/open config file",
		Args:  cobra.NoArgs,
		RunE:  runConfigCmd,
	}
}

func runConfigCmd(_ *cobra.Command, _ []string) error {
	path := config.DefaultConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat config: %w", err)
		}
		if err := os.WriteFile(path, []byte(config.Template), 0o644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
	}

	editorCmd := strings.TrimSpace(os.Getenv("EDITOR"))
	if editorCmd == "" {
		editorCmd = "vi"
	}
	parts := strings.Fields(editorCmd)
	cmd := exec.Command(parts[0], append(parts[1:], path)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to open editor: %w", err)
	}
	return nil
}

// describeError maps domain error kinds to user-facing messages.
func describeError(prefix string, err error) error {
	switch {
	case errors.Is(err, model.ErrUnavailableBackend):
		return fmt.Errorf("forward solver backend unavailable: %w", err)
	case errors.Is(err, model.ErrNonConvergent):
		return fmt.Errorf("%s: inversion did not converge: %w", prefix, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: interrupted: %w", prefix, err)
	}
	return fmt.Errorf("%s: %w", prefix, err)
}

func applyStringConfig(cmd *cobra.Command, name string, target, value *string) {
	if value == nil {
		return
	}
	if cmd.Flags().Lookup(name) != nil && cmd.Flags().Changed(name) {
		return
	}
	*target = *value
}

func applyIntConfig(cmd *cobra.Command, name string, target, value *int) {
	if value == nil {
		return
	}
	if cmd.Flags().Lookup(name) != nil && cmd.Flags().Changed(name) {
		return
	}
	*target = *value
}

func setFloat(target, value *float64) {
	if value != nil {
		*target = *value
	}
}

func setInt(target, value *int) {
	if value != nil {
		*target = *value
	}
}
