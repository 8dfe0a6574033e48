package commands

import (
	"fmt"

	"github.com/dyluth/linker/internal/inspect"
	"github.com/dyluth/linker/internal/printer"
	"github.com/dyluth/linker/internal/timespec"
	"github.com/spf13/cobra"
)

var (
	pendingOutputFormat string
	pendingSince        string
	pendingUntil        string
	pendingLimit        int
)

var pendingCmd = &cobra.Command{
	Use:   "pending <record-set>",
	Short: "List records waiting to be linked",
	Long: `List the records of a set that are flagged for linking, oldest first.

Time Filters:
  --since  - Records flagged after this time
  --until  - Records flagged before this time

Examples:
  linkctl pending crm
  linkctl pending crm --since=1h --limit=20
  linkctl pending crm -o jsonl --until=2025-10-29T00:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: runPending,
}

func init() {
	pendingCmd.Flags().StringVarP(&pendingOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	pendingCmd.Flags().StringVar(&pendingSince, "since", "", "Records flagged after time (duration or RFC3339)")
	pendingCmd.Flags().StringVar(&pendingUntil, "until", "", "Records flagged before time (duration or RFC3339)")
	pendingCmd.Flags().IntVar(&pendingLimit, "limit", 100, "Maximum records to show (0 for all)")
	rootCmd.AddCommand(pendingCmd)
}

func runPending(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var format inspect.OutputFormat
	switch pendingOutputFormat {
	case "default":
		format = inspect.OutputFormatDefault
	case "jsonl":
		format = inspect.OutputFormatJSONL
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", pendingOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	if pendingLimit < 0 {
		return printer.Error("invalid --limit", "--limit cannot be negative", nil)
	}

	since, until, err := timespec.ParseRange(pendingSince, pendingUntil)
	if err != nil {
		return printer.Error("invalid time range", err.Error(),
			[]string{"Use 'now', a duration like '1h30m' or '7d', or RFC3339 like '2025-10-29T13:00:00Z'"})
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := inspect.ListPending(ctx, client, args[0], since, until, pendingLimit, format, printer.Out); err != nil {
		return fmt.Errorf("failed to list pending records: %w", err)
	}
	return nil
}
