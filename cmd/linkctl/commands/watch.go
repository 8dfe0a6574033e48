package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/linker/internal/filter"
	"github.com/dyluth/linker/internal/printer"
	"github.com/dyluth/linker/internal/watch"
	"github.com/spf13/cobra"
)

var (
	watchOutputFormat string
	watchRecordSet    string
	watchNewOnly      bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream linking decisions as they are committed",
	Long: `Stream linking decisions as they are committed, until interrupted.

Examples:
  linkctl watch
  linkctl watch --record-set='crm*' --new-only
  linkctl watch -o jsonl | jq .linking_id`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	watchCmd.Flags().StringVar(&watchRecordSet, "record-set", "", "Only decisions for candidates in a matching set (glob pattern)")
	watchCmd.Flags().BoolVar(&watchNewOnly, "new-only", false, "Only decisions that formed a new cluster")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var format watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		format = watch.OutputFormatDefault
	case "jsonl":
		format = watch.OutputFormatJSONL
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if format == watch.OutputFormatDefault {
		printer.Info("Watching instance '%s' (Ctrl+C to stop)\n", client.InstanceName())
	}

	criteria := &filter.Criteria{RecordSetGlob: watchRecordSet, NewOnly: watchNewOnly}
	if err := watch.StreamEvents(ctx, client, criteria, format, printer.Out); err != nil {
		return fmt.Errorf("watch failed: %w", err)
	}
	return nil
}
