package commands

import (
	"github.com/dyluth/linker/internal/enqueuer"
	"github.com/dyluth/linker/internal/logging"
	"github.com/dyluth/linker/internal/printer"
	"github.com/spf13/cobra"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Run one candidate scan now",
	Long: `Run one candidate scan now instead of waiting for the linker's next one.

The oldest records waiting in every eligible record set are appended to the
work queue, whitelisted sets first. Nothing is enqueued while the queue still
holds work.`,
	Args: cobra.NoArgs,
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	enq := enqueuer.New(client, enqueuer.Options{
		LoadSize:  cfg.Linking.LoadSize,
		Whitelist: cfg.Linking.Whitelist,
	}, logging.Discard(), nil)

	n, err := enq.ScanOnce(ctx)
	if err != nil {
		printer.Warning("Scan finished with errors: %v\n", err)
	}
	if n == 0 && err == nil {
		printer.Info("Nothing to enqueue\n")
		return nil
	}

	printer.Success("Enqueued %s\n", printer.Plural(n, "candidate"))
	if err != nil {
		return printer.Error("scan incomplete", "Some record sets could not be scanned.", nil)
	}
	return nil
}
