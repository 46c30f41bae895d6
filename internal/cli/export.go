package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sadopc/doflow/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the completion log",
	Long: `Writes completed tasks to a CSV, JSON or YAML file. Use --from and --to
(YYYY-MM-DD, --to exclusive) to limit the range.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringP("format", "f", "csv", "Output format: csv, json or yaml")
	exportCmd.Flags().StringP("out", "o", "", "Output file (default doflow-export-DATE.FORMAT)")
	exportCmd.Flags().String("from", "", "First date to include")
	exportCmd.Flags().String("to", "", "Date to stop before")
}

func runExport(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	out, _ := cmd.Flags().GetString("out")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")

	format = strings.ToLower(format)
	for _, d := range []string{from, to} {
		if err := checkDate(d); err != nil {
			return err
		}
	}
	if out == "" {
		out = defaultExportName(format, time.Now())
	}

	e, err := openEnv(true)
	if err != nil {
		return err
	}
	defer e.Close()

	entries, err := e.store.ListCompletions(context.Background(), from, to)
	if err != nil {
		return err
	}
	if err := export.Write(format, entries, out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d entries to %s\n", len(entries), out)
	return nil
}

func checkDate(s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return nil
}

func defaultExportName(format string, now time.Time) string {
	ext := format
	if ext == "yml" {
		ext = "yaml"
	}
	return fmt.Sprintf("doflow-export-%s.%s", now.Format("2006-01-02"), ext)
}
