package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/polisai/vivado-bridge/pkg/build"
	"github.com/polisai/vivado-bridge/pkg/domain"
)

// withApp runs fn against a wired app and tears it down afterwards. The
// context is cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(closeCtx)
	}()
	return fn(ctx, a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newDetectCmd(opts *globalOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "detect [version]",
		Short: "List toolchain installations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			want := ""
			if len(args) == 1 {
				want = args[0]
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				found, err := a.svc.DetectInstallations(ctx, want, all)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, map[string]any{"installations": found})
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tROOT\tSOURCE")
				for _, inst := range found {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", inst.Version, inst.Root, inst.Source)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "List every installation, not just the default")
	return cmd
}

// lineWriter serialises streamed output lines from both pipes.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) line(stream, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "[%s] %s\n", stream, line)
}

func newBuildCmd(opts *globalOptions) *cobra.Command {
	var (
		timeout time.Duration
		quiet   bool
	)

	cmd := &cobra.Command{
		Use:   "build <project> [phase]",
		Short: "Run a build phase; the full flow by default",
		Long: `Runs synthesis, implementation, bitstream or the full flow against an
.xpr project or a .tcl build script. Toolchain output is streamed to stderr
unless --quiet is given.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase := string(build.PhaseFull)
			if len(args) == 2 {
				phase = args[1]
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				req := build.Request{Project: args[0], Timeout: timeout}
				if !quiet && !opts.jsonOutput {
					lw := &lineWriter{w: cmd.ErrOrStderr()}
					req.OnLine = lw.line
				}

				report, err := a.svc.RunPhase(ctx, phase, req)
				if report != nil {
					if opts.jsonOutput {
						if werr := writeJSON(cmd.OutOrStdout(), report); werr != nil {
							return werr
						}
					} else {
						printReport(cmd.OutOrStdout(), report)
					}
				}
				if err != nil {
					return err
				}
				if !report.Success {
					return fmt.Errorf("build failed in %s phase", report.FailedPhase)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Timeout for each phase (0 uses the configured default)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not stream toolchain output")
	return cmd
}

func printReport(w io.Writer, report *build.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tRESULT\tDURATION\tERRORS\tCRITICAL WARNINGS")
	for _, step := range report.Steps {
		res := step.Result
		if res == nil {
			continue
		}
		outcome := "ok"
		if !res.Success {
			outcome = string(res.Termination)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
			step.Phase, outcome, res.Duration.Round(time.Millisecond), len(res.Errors), len(res.CriticalWarnings))
	}
	_ = tw.Flush()

	for _, step := range report.Steps {
		if step.Result == nil {
			continue
		}
		for _, msg := range step.Result.Errors {
			fmt.Fprintf(w, "%s: %s\n", step.Phase, formatMessage(msg))
		}
	}

	if report.BitstreamPath != "" {
		fmt.Fprintf(w, "Bitstream: %s\n", report.BitstreamPath)
	}
	if report.ArtifactURI != "" {
		fmt.Fprintf(w, "Published: %s\n", report.ArtifactURI)
	}
	if report.ArtifactError != "" {
		fmt.Fprintf(w, "Publish failed: %s\n", report.ArtifactError)
	}
	verdict := "succeeded"
	if !report.Success {
		verdict = "failed"
	}
	fmt.Fprintf(w, "Build %s in %s\n", verdict, report.Duration.Round(time.Millisecond))
}

func formatMessage(msg domain.Message) string {
	var b strings.Builder
	b.WriteString(string(msg.Severity))
	if msg.ID != "" {
		fmt.Fprintf(&b, " [%s]", msg.ID)
	}
	b.WriteString(" ")
	b.WriteString(msg.Text)
	if msg.File != "" {
		fmt.Fprintf(&b, " (%s:%d)", msg.File, msg.Line)
	}
	return b.String()
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status <project>",
		Short: "Show the state of each build phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				render := func(status *build.Status) error {
					if opts.jsonOutput {
						return writeJSON(cmd.OutOrStdout(), status)
					}
					printStatus(cmd.OutOrStdout(), status, time.Now())
					return nil
				}

				if !watch {
					status, err := a.svc.GetBuildStatus(ctx, args[0])
					if err != nil {
						return err
					}
					return render(status)
				}

				err := a.svc.WatchStatus(ctx, args[0], func(status *build.Status) {
					if err := render(status); err != nil {
						a.logger.Warn("Failed to render status", "error", err)
					}
				})
				if err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Print the status again whenever the run directories change")
	return cmd
}

func printStatus(w io.Writer, status *build.Status, now time.Time) {
	fmt.Fprintf(w, "Project: %s\n", status.Project)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tRUN\tSTATE\tPROGRESS\tUPDATED")
	for _, ps := range status.Phases {
		updated := "-"
		if ps.UpdatedAt != nil {
			updated = humanize.RelTime(*ps.UpdatedAt, now, "ago", "from now")
		}
		progress := ps.Progress
		if progress == "" {
			progress = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ps.Phase, ps.Run, ps.State, progress, updated)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "Overall: %s\n", status.Overall)
	if status.BitstreamPath != "" {
		fmt.Fprintf(w, "Bitstream: %s\n", status.BitstreamPath)
	}
}

func newCleanCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clean <project>",
		Short: "Delete generated run, cache and IP output directories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				report, err := a.svc.CleanBuild(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, report)
				}
				for _, dir := range report.Removed {
					fmt.Fprintf(out, "removed %s\n", dir)
				}
				for _, pe := range report.Errors {
					fmt.Fprintf(out, "failed %s: %s\n", pe.Path, pe.Error)
				}
				fmt.Fprintf(out, "Freed %s in %d %s\n",
					humanize.Bytes(uint64(max(report.BytesFreed, 0))),
					len(report.Removed), plural(len(report.Removed), "directory", "directories"))
				if len(report.Errors) > 0 {
					return fmt.Errorf("%d %s could not be removed", len(report.Errors), plural(len(report.Errors), "path", "paths"))
				}
				return nil
			})
		},
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
