package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/basket/clawboard/internal/config"
	"github.com/basket/clawboard/internal/doctor"
)

func doctorCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration, database and ledger health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfgPtr *config.Config
			cfg, err := config.Load()
			if err == nil {
				cfgPtr = &cfg
			}
			d := doctor.Run(cmd.Context(), cfgPtr, Version)
			if err != nil {
				d.Results[0].Detail = err.Error()
			}
			out := cmd.OutOrStdout()
			if asJSON || !isTTY(out) {
				if err := writeIndented(out, d); err != nil {
					return err
				}
			} else {
				renderDiagnosis(out, d)
			}
			if d.Failed() {
				return errors.New("doctor found problems")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON even on a terminal")
	return cmd
}

func renderDiagnosis(w io.Writer, d doctor.Diagnosis) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("clawboard %s (%s/%s, %s)", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)))
	t := newTable("Check", "Status", "Message")
	for _, r := range d.Results {
		status := r.Status
		switch r.Status {
		case "PASS":
			status = okStyle.Render(status)
		case "FAIL", "WARN":
			status = failStyle.Render(status)
		}
		t.Row(r.Name, status, r.Message)
	}
	fmt.Fprintln(w, t.String())
}
