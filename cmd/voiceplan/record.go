package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/do/v2"
	"github.com/spf13/cobra"

	"voiceplan/internal/bootstrap"
	"voiceplan/internal/channel"
	"voiceplan/internal/config"
	"voiceplan/internal/domain"
	"voiceplan/internal/usecase"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record one utterance, stream it for recognition and print the transcript",
	RunE:  runRecord,
}

func init() {
	recordCmd.Flags().String("mode", string(domain.ModeReplace), "Transcript aggregation mode (replace or append)")
	recordCmd.Flags().Bool("submit", false, "Submit the final transcript to the planner")
}

func runRecord(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(func(c *config.Config) {
		if cmd.Flags().Changed("mode") {
			mode, _ := cmd.Flags().GetString("mode")
			c.Session.Mode = domain.AggregationMode(mode)
		}
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	injector := bootstrap.NewInjector(cfg, newTerminalSink(out))
	session, err := do.Invoke[*usecase.RecordingSession](injector)
	if err != nil {
		return err
	}
	client := do.MustInvoke[*channel.Client](injector)
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	fmt.Fprintln(out, "recording; press Enter to stop")

	waitForEnterOrSignal(ctx, cmd.InOrStdin())

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Channel.StopAckTimeout+time.Second)
	defer cancel()
	if err := session.Stop(stopCtx); err != nil {
		return err
	}

	render := session.Transcript()
	fmt.Fprintf(out, "transcript: %s\n", render.Text)

	submit, _ := cmd.Flags().GetBool("submit")
	if !submit {
		return nil
	}
	submitter, err := do.Invoke[*usecase.Submitter](injector)
	if err != nil {
		return err
	}
	plan, err := submitter.Submit(context.Background(), "")
	if err != nil {
		return err
	}
	return printPlan(out, plan.ID, plan.Raw)
}

func waitForEnterOrSignal(ctx context.Context, in io.Reader) {
	lines := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(in).ReadString('\n')
		close(lines)
	}()
	select {
	case <-ctx.Done():
	case <-lines:
	}
}

func printPlan(out io.Writer, id string, raw []byte) error {
	if id != "" {
		fmt.Fprintf(out, "plan %s created\n", id)
	}
	if len(raw) == 0 {
		return nil
	}
	var pretty any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		return fmt.Errorf("planner returned invalid plan: %w", err)
	}
	formatted, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(formatted))
	return err
}
