package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/basket/clawboard/internal/reporting"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func reportCmd() *cobra.Command {
	var (
		window          int
		start, end      string
		includeUnlinked bool
		asJSON          bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the token usage report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			v := url.Values{}
			v.Set("window", strconv.Itoa(window))
			v.Set("include_unlinked", strconv.FormatBool(includeUnlinked))
			if start != "" {
				v.Set("start", start)
			}
			if end != "" {
				v.Set("end", end)
			}
			eng := reporting.New(reporting.Config{Store: store})
			q, err := reporting.ParseQuery(v, eng.Now())
			if err != nil {
				return err
			}
			r, err := eng.Report(cmd.Context(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON || !isTTY(out) {
				return writeIndented(out, r)
			}
			renderReport(out, r)
			return nil
		},
	}
	cmd.Flags().IntVar(&window, "window", reporting.DefaultWindow, "window in days: 7, 30 or 90")
	cmd.Flags().StringVar(&start, "start", "", "custom range start (ISO-8601)")
	cmd.Flags().StringVar(&end, "end", "", "custom range end (ISO-8601)")
	cmd.Flags().BoolVar(&includeUnlinked, "include-unlinked", true, "include events not linked to a task")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON even on a terminal")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Verify that every report window reconciles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := reporting.New(reporting.Config{Store: store}).Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON || !isTTY(out) {
				if err := writeIndented(out, recs); err != nil {
					return err
				}
			} else {
				renderReconciliation(out, recs)
			}
			for _, rec := range recs {
				if !rec.OK {
					return fmt.Errorf("reconciliation failed for window %s (include_unlinked=%t)", rec.Window, rec.IncludeUnlinked)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON even on a terminal")
	return cmd
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func renderReport(w io.Writer, r *reporting.Report) {
	t := r.Totals
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Token usage, window %s", r.Window)))
	fmt.Fprintf(w, "total %d tokens  cost $%s  events %d (linked %d, unlinked %d)\n\n",
		t.TotalTokens, t.CostUSD.StringFixed(4), t.EventCount, t.LinkedEvents, t.UnlinkedEvents)

	agents := newTable("Agent", "Tokens", "Cost", "Events")
	for _, row := range r.ByAgent {
		agents.Row(row.Agent, strconv.FormatInt(row.TotalTokens, 10), row.CostUSD.StringFixed(4), strconv.FormatInt(row.EventCount, 10))
	}
	fmt.Fprintln(w, agents.String())

	tasks := newTable("Task", "Title", "Tokens", "Cost")
	for _, row := range r.ByTask {
		tasks.Row(row.TaskDisplayID, row.TaskTitle, strconv.FormatInt(row.TotalTokens, 10), row.CostUSD.StringFixed(4))
	}
	fmt.Fprintln(w, tasks.String())

	models := newTable("Model", "Tokens", "Cost")
	for _, row := range r.ByModel {
		models.Row(row.Model, strconv.FormatInt(row.TotalTokens, 10), row.CostUSD.StringFixed(4))
	}
	fmt.Fprintln(w, models.String())

	trend := newTable("Day", "Tokens", "Cost")
	for _, row := range r.Trend {
		trend.Row(row.Day, strconv.FormatInt(row.TotalTokens, 10), row.CostUSD.StringFixed(4))
	}
	fmt.Fprintln(w, trend.String())
}

func renderReconciliation(w io.Writer, recs []reporting.Reconciliation) {
	t := newTable("Window", "Unlinked", "Events", "Result")
	for _, rec := range recs {
		result := okStyle.Render("ok")
		if !rec.OK {
			var failed []string
			for _, c := range rec.Checks {
				if !c.OK {
					failed = append(failed, c.Name)
				}
			}
			result = failStyle.Render(fmt.Sprintf("FAIL %v", failed))
		}
		t.Row(rec.Window, strconv.FormatBool(rec.IncludeUnlinked), strconv.FormatInt(rec.EventCount, 10), result)
	}
	fmt.Fprintln(w, t.String())
}
