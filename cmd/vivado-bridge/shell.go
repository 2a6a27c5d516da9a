package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/vivado-bridge/pkg/domain"
	"github.com/polisai/vivado-bridge/pkg/service"
)

const shellPrompt = "vivado% "

func newShellCmd(opts *globalOptions) *cobra.Command {
	var (
		workDir string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive Tcl session and read commands from stdin",
		Long: `Starts one interactive session and sends each input line to it as a
command. "exit" or end of input closes the session. A command that times out
is abandoned; the session stays usable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				id, err := a.svc.StartSession(ctx, service.StartRequest{WorkDir: workDir})
				if err != nil {
					return err
				}
				a.logger.Debug("Session started", "session_id", id)
				err = runShell(ctx, a.svc, id, timeout, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
				if cerr := a.svc.CloseSession(context.WithoutCancel(ctx), id); cerr != nil && !errors.Is(cerr, domain.ErrSessionNotFound) {
					a.logger.Warn("Failed to close session", "session_id", id, "error", cerr)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&workDir, "workdir", "w", "", "Working directory of the session")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Timeout for each command (0 uses the configured default)")
	return cmd
}

// commandRunner is the part of the service the shell loop needs.
type commandRunner interface {
	RunCommand(ctx context.Context, req service.CommandRequest) (*service.CommandResult, error)
}

// runShell reads commands from in until EOF, "exit" or ctx is done. It
// stops early only when the session itself is gone.
func runShell(ctx context.Context, runner commandRunner, id string, timeout time.Duration, in io.Reader, out, errOut io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Fprint(out, shellPrompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		res, err := runner.RunCommand(ctx, service.CommandRequest{Command: line, SessionID: id, Timeout: timeout})
		if res != nil && res.ProcessResult != nil {
			if res.Stdout != "" {
				fmt.Fprintln(out, res.Stdout)
			}
			if res.Stderr != "" {
				fmt.Fprintln(errOut, res.Stderr)
			}
		}
		if err != nil {
			fmt.Fprintf(errOut, "error [%s]: %v\n", domain.Code(err), err)
			if errors.Is(err, domain.ErrSessionNotFound) || errors.Is(err, domain.ErrSessionDead) {
				return err
			}
		}
	}
}
