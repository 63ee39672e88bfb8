package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	porttwin "github.com/kradalby/port-twin"
	"github.com/kradalby/port-twin/measurement"
	"github.com/kradalby/port-twin/view"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query and import historical measurements",
}

var historyQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Print the measurements of one day",
	Long:  `Run a historical query against the configured backend and print the result.`,
	RunE:  runHistoryQuery,
}

var historyImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Load measurements into the PostgreSQL archive",
	Long:  `Read a JSON array of measurement records and store them in the archive. Records already present are skipped.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryImport,
}

var (
	queryDevice string
	queryDate   string
	queryJSON   bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyQueryCmd)
	historyCmd.AddCommand(historyImportCmd)

	historyQueryCmd.Flags().StringVar(&queryDevice, "device", "all", "device id, or \"all\"")
	historyQueryCmd.Flags().StringVar(&queryDate, "date", "", "day to query (YYYY-MM-DD), defaults to today")
	historyQueryCmd.Flags().BoolVar(&queryJSON, "json", false, "print records as JSON")
}

func runHistoryQuery(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	day := measurement.DayOf(time.Now().In(cfg.Location()))
	if queryDate != "" {
		day, err = measurement.ParseDay(queryDate)
		if err != nil {
			return err
		}
	}

	records, err := porttwin.QueryHistory(cmd.Context(), cfg, logger, view.NormalizeDevice(queryDevice), day)
	if err != nil {
		return err
	}

	if queryJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	return printRecords(cmd.OutOrStdout(), records, cfg.Location())
}

func runHistoryImport(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	records, err := measurement.Decode(data)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", args[0], err)
	}

	if err := porttwin.ImportHistory(cmd.Context(), cfg, records); err != nil {
		return err
	}

	logger.Info("Imported measurements", "file", args[0], "records", len(records))
	return nil
}

func printRecords(out io.Writer, records []measurement.Record, loc *time.Location) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "No records")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tDEVICE\tACTIVE POWER\tPHASES\tTOTAL")
	for _, rec := range records {
		phases := make([]string, 0, len(rec.Phases))
		for _, p := range rec.Phases {
			phases = append(phases, p.Phase)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.Timestamp.In(loc).Format("2006-01-02 15:04:05"),
			rec.Device,
			rec.ActivePower(),
			strings.Join(phases, ","),
			rec.TotalConsumption,
		)
	}
	return w.Flush()
}
