package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/do/v2"
	"github.com/spf13/cobra"

	"voiceplan/internal/bootstrap"
	"voiceplan/internal/diagnostics"
	"voiceplan/internal/domain"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Probe microphone capture and explain why it may fail",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}

		prober, err := do.Invoke[*diagnostics.Prober](bootstrap.NewInjector(cfg, nil))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		report := prober.Probe(ctx)

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(report)
		}
		renderReport(cmd.OutOrStdout(), report)
		return nil
	},
}

func init() {
	diagnoseCmd.Flags().Bool("json", false, "Print the report as JSON")
}

func renderReport(out io.Writer, report domain.DiagnosisReport) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Check", "Result"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)

	table.Append([]string{"Capture API", passFail(report.BrowserSupport)})
	table.Append([]string{"Secure channel", passFail(report.SecureContext)})
	table.Append([]string{"Input devices", fmt.Sprintf("%s (%d)", passFail(report.DevicesAvailable), report.DeviceCount)})
	table.Append([]string{"Permission", passFail(report.PermissionGranted)})
	table.Append([]string{"Stream access", passFail(report.StreamAccessible)})
	table.Render()

	if len(report.Errors) == 0 {
		fmt.Fprintln(out, "\nno problems found")
		return
	}
	fmt.Fprintln(out, "\nproblems:")
	for _, problem := range report.Errors {
		fmt.Fprintf(out, "  - %s\n", problem)
	}
}

func passFail(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}
