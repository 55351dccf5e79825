package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/message"

	"prototypia/internal/app"
	"prototypia/internal/asset"
	"prototypia/internal/engine"
	"prototypia/internal/i18n"
)

type playInputs struct {
	userAnalysis    string
	contextAnalysis string
	idea            string
	sketch          string
	model           string
	screenshot      string
	confirm         bool

	material    string
	layerHeight float64
	infill      int
	speed       int
	supports    bool
	adhesion    string

	instant   bool
	reportDir string
}

func missionPlayCmd() *cobra.Command {
	var in playInputs
	cmd := &cobra.Command{
		Use:   "play <id>",
		Short: "Run one attempt at a mission from the given answers and files",
		Long: `play walks an attempt through every step using the flags as the student's answers.
Parameters that are not set keep the configured defaults. The run stops at the first
step whose requirements are not met and names what is missing. A successful result
can be written as a PDF report with --report.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := currentUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if in.instant {
					a.Engine.After = func(time.Duration) <-chan time.Time {
						ch := make(chan time.Time, 1)
						ch <- time.Time{}
						return ch
					}
				}
				return play(ctx, cmd, a, key, args[0], in)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&in.userAnalysis, "user-analysis", "", "who the project is for")
	f.StringVar(&in.contextAnalysis, "context-analysis", "", "where and when it is used")
	f.StringVar(&in.idea, "idea", "", "description of the idea")
	f.StringVar(&in.sketch, "sketch", "", "sketch image (png, jpeg, webp)")
	f.StringVar(&in.model, "model", "", "STL model file")
	f.StringVar(&in.screenshot, "screenshot", "", "slicer screenshot image")
	f.BoolVar(&in.confirm, "confirm-slicing", false, "confirm the slicing review")
	f.StringVar(&in.material, "material", "", "material id")
	f.Float64Var(&in.layerHeight, "layer-height", 0, "layer height in mm")
	f.IntVar(&in.infill, "infill", 0, "infill percentage")
	f.IntVar(&in.speed, "speed", 0, "print speed in mm/s")
	f.BoolVar(&in.supports, "supports", false, "print with supports")
	f.StringVar(&in.adhesion, "bed-adhesion", "", "none, skirt, brim or raft")
	f.BoolVar(&in.instant, "instant", false, "skip the simulated analysis delay")
	f.StringVar(&in.reportDir, "report", "", "directory to write the PDF report to")
	return cmd
}

func play(ctx context.Context, cmd *cobra.Command, a *app.App, key, missionID string, in playInputs) error {
	p := i18n.Printer(a.Config.Locale)
	s, err := a.Engine.StartMission(ctx, key, missionID)
	if err != nil {
		return err
	}
	// The attempt lives only as long as this command.
	defer s.Exit(context.WithoutCancel(ctx))
	quiet := viper.GetBool("json")
	announce := func() {
		if quiet {
			return
		}
		st := s.State()
		fmt.Printf("[%d/%d] %s\n", st.StepIndex, st.StepCount, p.Sprintf("step."+st.Step.String()))
	}
	advance := func() error {
		if err := s.Advance(); err != nil {
			return explain(p, err)
		}
		announce()
		return nil
	}

	announce()
	if !quiet {
		printBrief(s.Mission())
	}
	if err := advance(); err != nil {
		return err
	}

	if err := s.SetIdeationText(in.userAnalysis, in.contextAnalysis, in.idea); err != nil {
		return err
	}
	if err := attachFile(ctx, a, s, asset.KindSketch, in.sketch); err != nil {
		return err
	}
	if err := advance(); err != nil {
		return err
	}

	if err := attachFile(ctx, a, s, asset.KindModel, in.model); err != nil {
		return err
	}
	if err := advance(); err != nil {
		return err
	}

	params := s.Snapshot().Parameters
	f := cmd.Flags()
	if f.Changed("material") {
		params.Material = in.material
	}
	if f.Changed("layer-height") {
		params.LayerHeight = in.layerHeight
	}
	if f.Changed("infill") {
		params.Infill = in.infill
	}
	if f.Changed("speed") {
		params.PrintSpeed = in.speed
	}
	if f.Changed("supports") {
		params.Supports = in.supports
	}
	if f.Changed("bed-adhesion") {
		params.BedAdhesion = in.adhesion
	}
	if err := s.SetParameters(params); err != nil {
		return err
	}
	if err := advance(); err != nil {
		return err
	}

	if err := s.ConfirmSlicing(in.confirm); err != nil {
		return err
	}
	if err := attachFile(ctx, a, s, asset.KindScreenshot, in.screenshot); err != nil {
		return err
	}
	ch, err := s.Analyze(ctx)
	if err != nil {
		return explain(p, err)
	}
	if !quiet {
		fmt.Println(p.Sprintf(i18n.AnalysisInProgress))
	}
	res, err := engine.Wait(ctx, ch)
	if err != nil {
		return err
	}
	if quiet {
		return printJSON(res)
	}
	announce()
	printAnalysis(p, res)

	if res.Result.PrintSuccessful && in.reportDir != "" {
		profile, err := a.Repo.LoadProfile(ctx, key)
		if err != nil {
			return fmt.Errorf("report needs the student profile: %w", err)
		}
		pdf, name, err := s.Report(ctx, profile)
		if err != nil {
			return err
		}
		out := filepath.Join(in.reportDir, name)
		if err := os.WriteFile(out, pdf, 0o644); err != nil {
			return err
		}
		fmt.Printf("Report written to %s\n", out)
	}
	return nil
}

// attachFile ingests path as an upload of kind. An empty path leaves the
// field unset so the step gate reports it.
func attachFile(ctx context.Context, a *app.App, s *engine.Session, kind asset.Kind, path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return &asset.IOError{Kind: kind, Filename: path, Err: err}
	}
	defer f.Close()
	ref, err := a.Assets.Read(ctx, kind, filepath.Base(path), f)
	if err != nil {
		return err
	}
	return s.Attach(kind, ref)
}

// explain turns a refused transition into the localized message.
func explain(p *message.Printer, err error) error {
	var gate *engine.GateError
	if !errors.As(err, &gate) {
		return err
	}
	labels := make([]string, 0, len(gate.Missing))
	for _, field := range gate.Missing {
		labels = append(labels, p.Sprintf("gate."+field))
	}
	return errors.New(p.Sprintf(i18n.GateBlocked, p.Sprintf("step."+gate.Step.String()), strings.Join(labels, ", ")))
}

func printAnalysis(p *message.Printer, res engine.Analysis) {
	fmt.Println(res.Result.Feedback)
	if res.Result.PrintSuccessful {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Bonus", "Points"})
		for _, b := range res.Result.Bonuses {
			tw.AppendRow(table.Row{p.Sprintf("bonus." + b.Key), b.Points})
		}
		tw.AppendFooter(table.Row{"Total", res.Result.Score})
		tw.Render()
	}
	fmt.Printf("Score: %d  XP: %d (%s %+d)\n", res.Result.Score, res.Progress.XP, res.Change.Kind, res.Change.Delta)
}
