// deskctl is the operator CLI: inspect monthly ticket statistics straight
// from the log buckets without going through the HTTP service.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/staffdesk/staffdesk/internal/stats"
)

var (
	statsDir   string
	statsMonth string
	statsTable string
	statsSort  string
)

var rootCmd = &cobra.Command{
	Use:   "deskctl",
	Short: "StaffDesk operator utilities",
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize one month of ticket closures",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsDir, "dir", "data/stats", "stats log directory")
	statsCmd.Flags().StringVar(&statsMonth, "month", stats.MonthKey(time.Now()), "month bucket (YYYY-MM)")
	statsCmd.Flags().StringVar(&statsTable, "table", "type", "table: type or staff")
	statsCmd.Flags().StringVar(&statsSort, "sort", "", "sort column (count, total, wait, unclaimed, positive, resolved, time, name)")
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStats(cmd *cobra.Command, args []string) error {
	agg := stats.NewAggregator(statsDir)
	lines, err := agg.Month(statsMonth)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		fmt.Printf("no records for %s\n", statsMonth)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	if statsTable == "staff" {
		fmt.Fprintln(w, "STAFF\tTICKETS\tAVG WORKED")
		for _, row := range stats.StaffTable(lines, statsSort) {
			fmt.Fprintf(w, "%s\t%d\t%s\n", row.Name, row.Count, fmtMS(row.AvgWorked))
		}
		return nil
	}
	fmt.Fprintln(w, "TYPE\tTICKETS\tAVG TOTAL\tAVG WAIT\tAVG UNCLAIMED\tRESOLVED%\tPOSITIVE%")
	for _, row := range stats.TypeTable(lines, statsSort) {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%.0f\t%.0f\n",
			row.Type, row.Count,
			fmtMS(row.AvgTotal), fmtMS(row.AvgWait), fmtMS(row.AvgUnclaimed),
			row.ResolutionPct["resolved"], row.PositivePct)
	}
	return nil
}

func fmtMS(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}
