package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/echochat/echochat/internal/usage"
	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage per day and model",
	RunE:  runUsage,
}

var usageDays int

func init() {
	usageCmd.Flags().IntVar(&usageDays, "days", 7, "Number of days to include (0 for all)")
	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.Usage.Dir
	if dir == "" {
		dir = usage.DefaultDir()
	}

	var result usage.LoadResult
	if usageDays > 0 {
		until := time.Now().UTC()
		since := until.AddDate(0, 0, -(usageDays - 1))
		result = usage.LoadForDateRange(dir, since, until)
	} else {
		result = usage.Load(dir)
	}
	for _, err := range result.Errors {
		fmt.Printf("warning: %v\n", err)
	}

	rows := usage.Summarize(result.Entries)
	if len(rows) == 0 {
		fmt.Println("No usage recorded.")
		return nil
	}

	fmt.Printf("%-10s  %-7s  %-28s  %6s  %10s  %10s\n", "Date", "Kind", "Model", "Turns", "Input", "Output")
	fmt.Println(strings.Repeat("-", 80))
	var turns, in, out int
	for _, r := range rows {
		fmt.Printf("%-10s  %-7s  %-28s  %6d  %10s  %10s\n",
			r.Date, r.Provider, truncate(r.Model, 28), r.Turns, formatCount(r.InputTokens), formatCount(r.OutputTokens))
		turns += r.Turns
		in += r.InputTokens
		out += r.OutputTokens
	}
	fmt.Println(strings.Repeat("-", 80))
	fmt.Printf("%-10s  %-7s  %-28s  %6d  %10s  %10s\n", "Total", "", "", turns, formatCount(in), formatCount(out))
	return nil
}
