package commands

import (
	"fmt"
	"strings"

	"github.com/dyluth/linker/internal/printer"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/spf13/cobra"
)

var (
	recordSetName       string
	recordSetLinkable   bool
	recordSetLinkingSet bool
)

var recordSetCmd = &cobra.Command{
	Use:     "recordset",
	Aliases: []string{"rs"},
	Short:   "Register and list record sets",
}

var recordSetAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Register or update a record set",
	Long: `Register or update a record set.

Only linkable sets that are not themselves linking sets are scanned for
records needing linking.

Examples:
  linkctl recordset add crm --name "CRM contacts"
  linkctl recordset add people-linked --linking-set`,
	Args: cobra.ExactArgs(1),
	RunE: runRecordSetAdd,
}

var recordSetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered record sets",
	Args:  cobra.NoArgs,
	RunE:  runRecordSetList,
}

func init() {
	recordSetAddCmd.Flags().StringVar(&recordSetName, "name", "", "Human-readable name (defaults to the id)")
	recordSetAddCmd.Flags().BoolVar(&recordSetLinkable, "linkable", true, "Set holds entities of a linkable type")
	recordSetAddCmd.Flags().BoolVar(&recordSetLinkingSet, "linking-set", false, "Set is a linking output and is never scanned")

	recordSetCmd.AddCommand(recordSetAddCmd, recordSetListCmd)
	rootCmd.AddCommand(recordSetCmd)
}

func runRecordSetAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rs := &blackboard.RecordSet{
		ID:           args[0],
		Name:         recordSetName,
		Linkable:     recordSetLinkable,
		IsLinkingSet: recordSetLinkingSet,
	}
	if rs.Name == "" {
		rs.Name = rs.ID
	}
	if err := rs.Validate(); err != nil {
		return printer.Error("invalid record set", err.Error(), nil)
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.PutRecordSet(ctx, rs); err != nil {
		return fmt.Errorf("failed to register record set: %w", err)
	}

	printer.Success("Registered record set '%s'\n", rs.ID)
	return nil
}

func runRecordSetList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	ids, err := client.ListRecordSetIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		printer.Printf("No record sets registered for instance '%s'\n", client.InstanceName())
		return nil
	}

	printer.Printf("%-20s %-30s %-8s %s\n", "ID", "NAME", "LINKABLE", "LINKING SET")
	printer.Printf("%-20s %-30s %-8s %s\n", strings.Repeat("-", 20), strings.Repeat("-", 30), "--------", "-----------")
	for _, id := range ids {
		rs, err := client.GetRecordSet(ctx, id)
		if blackboard.IsNotFound(err) {
			// Listed but removed since
			continue
		}
		if err != nil {
			return err
		}
		printer.Printf("%-20s %-30s %-8s %s\n", rs.ID, rs.Name, yesNo(rs.Linkable), yesNo(rs.IsLinkingSet))
	}

	printer.Printf("\n%s\n", printer.Plural(len(ids), "record set"))
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
