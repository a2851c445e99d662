package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/cortex-voicecore/internal/metrics"
	"github.com/normanking/cortex-voicecore/plugins/timer"
)

const replHelp = `Type an utterance, or one of:
  :stats     metrics dashboard
  :session   conversation summary
  :caps      capabilities
  :reset     forget this session's context
  :quit      exit`

func runREPL(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	out := cmd.OutOrStdout()
	rt, err := newRuntime(ctx, runtimeOptions{
		configPath:  cfgPath,
		logLevel:    logLevel,
		metricsAddr: metricsAddr,
		watch:       true,
		notify: func(t timer.Timer) {
			fmt.Fprintln(out, "\n"+replyStyle.Render(fmt.Sprintf("⏰ Your %s timer is done.", t.Duration)))
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer rt.Close()

	fmt.Fprintln(out, titleStyle.Render("Cortex voice core v"+version)+dimStyle.Render("  (:help for commands)"))
	return repl(ctx, rt, cmd.InOrStdin(), out)
}

// repl reads utterances until EOF, :quit or cancellation.
func repl(ctx context.Context, rt *runtime, in io.Reader, out io.Writer) error {
	dash := metrics.NewDashboard(rt.collector)
	dash.SetWidth(80)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		fmt.Fprint(out, dimStyle.Render("› "))

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case ":quit", ":q", ":exit":
			return nil
		case ":help":
			fmt.Fprintln(out, replHelp)
		case ":stats":
			fmt.Fprintln(out, dash.Render())
			st := rt.orch.Stats()
			fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("pipeline %s for %s • %d sessions",
				st.State, st.InState.Round(time.Millisecond), st.Sessions)))
		case ":session":
			sum, ok := rt.orch.Session(sessionID)
			if !ok {
				fmt.Fprintln(out, dimStyle.Render("no conversation yet"))
				continue
			}
			fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%d turns • topic %q • location %q • %d timers • idle %s",
				sum.Turns, sum.Topic, sum.Location, sum.ActiveTimers, sum.Idle.Round(time.Second))))
		case ":caps":
			fmt.Fprint(out, renderCapabilities(rt))
		case ":reset":
			rt.orch.ResetSession(sessionID)
			fmt.Fprintln(out, dimStyle.Render("context cleared"))
		default:
			res := rt.orch.Process(ctx, sessionID, line)
			printResult(out, res, true)
			fmt.Fprintln(out, dimStyle.Render(dash.RenderCompact()))
		}
	}
}
