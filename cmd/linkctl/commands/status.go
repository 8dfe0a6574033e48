package commands

import (
	"github.com/dyluth/linker/internal/printer"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the state of an instance",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	sets, err := client.ListRecordSetIDs(ctx)
	if err != nil {
		return err
	}
	clusters, err := client.ListClusterIDs(ctx)
	if err != nil {
		return err
	}
	queued, err := client.QueueLength(ctx)
	if err != nil {
		return err
	}
	ids, err := client.PendingIDCount(ctx)
	if err != nil {
		return err
	}

	printer.Heading("Instance '%s'\n", client.InstanceName())
	printer.Printf("  Record sets:      %d\n", len(sets))
	printer.Printf("  Clusters:         %d\n", len(clusters))
	printer.Printf("  Queued:           %d\n", queued)
	printer.Printf("  Linking ids free: %d\n", ids)

	for _, id := range sets {
		waiting, err := client.RecordsFlaggedBetween(ctx, id, 0, 0, 0)
		if err != nil {
			return err
		}
		if len(waiting) > 0 {
			printer.Printf("  Waiting in %s: %d\n", id, len(waiting))
		}
	}
	return nil
}
