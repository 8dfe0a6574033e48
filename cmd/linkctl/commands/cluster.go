package commands

import (
	"fmt"

	"github.com/dyluth/linker/internal/inspect"
	"github.com/dyluth/linker/internal/printer"
	"github.com/dyluth/linker/internal/resolver"
	"github.com/spf13/cobra"
)

var (
	clusterOutputFormat string
	clusterRecordSet    string
	clusterMinMembers   int
)

var clusterCmd = &cobra.Command{
	Use:     "cluster [LINKING_ID]",
	Aliases: []string{"clusters"},
	Short:   "Inspect linked clusters",
	Long: `Inspect linked clusters in list or get mode.

List Mode (no LINKING_ID):
  Displays every cluster as a table or JSONL stream.

Get Mode (with LINKING_ID):
  Displays one cluster with all its members and scored edges as JSON.
  Accepts a unique prefix of at least 6 hex digits.

Examples:
  # List all clusters
  linkctl cluster

  # Clusters with a member from the crm set and at least 3 members
  linkctl cluster --record-set=crm --min-members=3

  # Pipe to jq
  linkctl cluster -o jsonl | jq 'select(.min_score < 0.6)'

  # One cluster by prefix
  linkctl cluster 0003000000`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCluster,
}

func init() {
	clusterCmd.Flags().StringVarP(&clusterOutputFormat, "output", "o", "default", "Output format: default or jsonl (ignored in get mode)")
	clusterCmd.Flags().StringVar(&clusterRecordSet, "record-set", "", "Keep clusters with a member in a matching set (glob pattern)")
	clusterCmd.Flags().IntVar(&clusterMinMembers, "min-members", 0, "Keep clusters with at least this many members")
	rootCmd.AddCommand(clusterCmd)
}

func runCluster(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	isGetMode := len(args) > 0

	var format inspect.OutputFormat
	if !isGetMode {
		switch clusterOutputFormat {
		case "default":
			format = inspect.OutputFormatDefault
		case "jsonl":
			format = inspect.OutputFormatJSONL
		default:
			return printer.Error(
				"invalid output format",
				fmt.Sprintf("Unknown format: %s", clusterOutputFormat),
				[]string{"Valid formats: default, jsonl"},
			)
		}
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if !isGetMode {
		filter := &inspect.ListFilter{RecordSetGlob: clusterRecordSet, MinMembers: clusterMinMembers}
		if err := inspect.ListClusters(ctx, client, format, filter, printer.Out); err != nil {
			return fmt.Errorf("failed to list clusters: %w", err)
		}
		return nil
	}

	id, err := resolver.ResolveLinkingID(ctx, client, args[0])
	if err != nil {
		switch {
		case resolver.IsNotFoundError(err):
			return printer.Error(
				"cluster not found",
				fmt.Sprintf("No cluster matches '%s'.", args[0]),
				[]string{"List clusters:\n  linkctl cluster"},
			)
		case resolver.IsAmbiguousError(err):
			return printer.Error("ambiguous linking id", resolver.FormatAmbiguousError(err.(*resolver.AmbiguousError)), nil)
		default:
			return printer.Error("invalid linking id", err.Error(), nil)
		}
	}

	if err := inspect.GetCluster(ctx, client, id, printer.Out); err != nil {
		if inspect.IsNotFound(err) {
			// Removed between resolution and read
			return printer.Error("cluster not found", err.Error(), nil)
		}
		return fmt.Errorf("failed to read cluster: %w", err)
	}
	return nil
}
