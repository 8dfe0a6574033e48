package commands

import (
	"fmt"

	"github.com/dyluth/linker/internal/printer"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/spf13/cobra"
)

var (
	feedbackLinked    bool
	feedbackNotLinked bool
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback <record-a> <record-b>",
	Short: "Record that two records do or do not refer to the same entity",
	Long: `Record a human judgement about a pair of records.

--linked forces the pair into one cluster; --not-linked keeps them apart.
A new judgement replaces an earlier opposite one. Both records are flagged
for linking again so the judgement takes effect.

Examples:
  linkctl feedback crm/c-1 billing/b-7 --linked
  linkctl feedback crm/c-1 crm/c-2 --not-linked`,
	Args: cobra.ExactArgs(2),
	RunE: runFeedback,
}

func init() {
	feedbackCmd.Flags().BoolVar(&feedbackLinked, "linked", false, "The records refer to the same entity")
	feedbackCmd.Flags().BoolVar(&feedbackNotLinked, "not-linked", false, "The records refer to different entities")
	feedbackCmd.MarkFlagsMutuallyExclusive("linked", "not-linked")
	feedbackCmd.MarkFlagsOneRequired("linked", "not-linked")
	rootCmd.AddCommand(feedbackCmd)
}

func runFeedback(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := parseKey(args[0])
	if err != nil {
		return err
	}
	b, err := parseKey(args[1])
	if err != nil {
		return err
	}
	if a == b {
		return printer.Error("invalid feedback", "A record cannot be judged against itself.", nil)
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	for _, key := range []blackboard.RecordKey{a, b} {
		if _, err := client.GetProperties(ctx, key); err != nil {
			if blackboard.IsNotFound(err) {
				return printer.Error("unknown record", fmt.Sprintf("Record %s does not exist.", key), nil)
			}
			return err
		}
	}

	if err := client.AddFeedback(ctx, blackboard.Feedback{Pair: blackboard.NewPair(a, b), Linked: feedbackLinked}); err != nil {
		return err
	}
	for _, key := range []blackboard.RecordKey{a, b} {
		if err := client.FlagForLinking(ctx, key); err != nil {
			return err
		}
	}

	verdict := "linked"
	if !feedbackLinked {
		verdict = "not linked"
	}
	printer.Success("Recorded %s and %s as %s\n", a, b, verdict)
	return nil
}
