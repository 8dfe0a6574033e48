package commands

import (
	"fmt"
	"time"

	"github.com/dyluth/linker/internal/printer"
	"github.com/dyluth/linker/internal/watch"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/spf13/cobra"
)

var lookupWait time.Duration

var lookupCmd = &cobra.Command{
	Use:   "lookup <record-set>/<record-id>",
	Short: "Print the linking id of a record",
	Long: `Print the linking id of a record.

With --wait, a record that is not linked yet is polled until it is or the
wait runs out.

Examples:
  linkctl lookup crm/c-1
  linkctl lookup crm/c-1 --wait=30s`,
	Args: cobra.ExactArgs(1),
	RunE: runLookup,
}

func init() {
	lookupCmd.Flags().DurationVar(&lookupWait, "wait", 0, "Wait this long for the record to be linked")
	rootCmd.AddCommand(lookupCmd)
}

func runLookup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	key, err := parseKey(args[0])
	if err != nil {
		return err
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var id blackboard.LinkingID
	if lookupWait > 0 {
		id, err = watch.PollForLinkingID(ctx, client, key, lookupWait)
	} else {
		id, err = client.LinkingIDOf(ctx, key)
	}
	if err != nil {
		if blackboard.IsNotFound(err) || lookupWait > 0 {
			return printer.Error(
				"record not linked",
				err.Error(),
				[]string{
					fmt.Sprintf("Check it is waiting:\n  linkctl pending %s", key.RecordSetID),
					fmt.Sprintf("Wait for it:\n  linkctl lookup %s --wait=30s", key),
				},
			)
		}
		return err
	}

	printer.Println(id.String())
	return nil
}
