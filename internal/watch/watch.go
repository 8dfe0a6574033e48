// Package watch follows linking decisions as they are committed.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/linker/internal/filter"
	"github.com/dyluth/linker/pkg/blackboard"
)

// pollInterval is how often PollForLinkingID re-reads the membership.
const pollInterval = 200 * time.Millisecond

// OutputFormat selects how streamed events are written.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSONL   OutputFormat = "jsonl"
)

// PollForLinkingID waits until the record is linked and returns its linking id.
func PollForLinkingID(ctx context.Context, client *blackboard.Client, key blackboard.RecordKey, timeout time.Duration) (blackboard.LinkingID, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		id, err := client.LinkingIDOf(ctx, key)
		switch {
		case err == nil:
			return id, nil
		case !blackboard.IsNotFound(err):
			return 0, fmt.Errorf("failed to query linking id: %w", err)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timeoutCh:
			return 0, fmt.Errorf("timeout waiting for %s to be linked after %v", key, timeout)
		case <-ticker.C:
		}
	}
}

// StreamEvents writes every committed linking decision that matches criteria
// until ctx is cancelled. Malformed events are reported inline and skipped.
func StreamEvents(ctx context.Context, client *blackboard.Client, criteria *filter.Criteria, format OutputFormat, w io.Writer) error {
	if format != OutputFormatDefault && format != OutputFormatJSONL {
		return fmt.Errorf("unknown output format: %s", format)
	}

	sub, err := client.SubscribeLinkEvents(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "⚠️  %v\n", err)

		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if criteria != nil && !criteria.Matches(event) {
				continue
			}
			if format == OutputFormatJSONL {
				if err := enc.Encode(event); err != nil {
					return fmt.Errorf("failed to write event: %w", err)
				}
				continue
			}
			fmt.Fprintln(w, FormatEvent(event))
		}
	}
}

// FormatEvent renders one decision as a single human-readable line.
func FormatEvent(event *blackboard.LinkEvent) string {
	ts := time.UnixMilli(event.LinkedAtMs).Format(time.TimeOnly)
	members := fmt.Sprintf("%d members", len(event.Members))
	if len(event.Members) == 1 {
		members = "1 member"
	}

	if event.NewCluster {
		return fmt.Sprintf("[%s] ✨ New cluster: %s → %s (%s, score %.3f)",
			ts, event.Candidate, event.LinkingID, members, event.Score)
	}
	return fmt.Sprintf("[%s] 🔗 Linked: %s → %s (%s, score %.3f)",
		ts, event.Candidate, event.LinkingID, members, event.Score)
}
