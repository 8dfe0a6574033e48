package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/linker/pkg/blackboard"
)

// MinShortIDLength is the minimum length of a linking id prefix. The first four
// hex digits only name the allocator range, so shorter prefixes rarely resolve.
const MinShortIDLength = 6

// fullIDLength is the length of LinkingID.String().
const fullIDLength = 16

// ClusterSource is the part of the blackboard client the resolver reads.
type ClusterSource interface {
	GetCluster(ctx context.Context, id blackboard.LinkingID) (blackboard.Graph, error)
	ListClusterIDs(ctx context.Context) ([]blackboard.LinkingID, error)
}

// ResolveLinkingID resolves a hex linking id, or a unique prefix of one, to
// the id of a stored cluster.
func ResolveLinkingID(ctx context.Context, source ClusterSource, shortID string) (blackboard.LinkingID, error) {
	shortID = strings.ToLower(strings.TrimPrefix(shortID, "0x"))
	for _, r := range shortID {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return 0, fmt.Errorf("linking id must be hexadecimal: %q", shortID)
		}
	}

	if len(shortID) == fullIDLength {
		id, err := blackboard.ParseLinkingID(shortID)
		if err != nil {
			return 0, err
		}
		graph, err := source.GetCluster(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("failed to verify cluster existence: %w", err)
		}
		if len(graph) == 0 {
			return 0, &NotFoundError{ShortID: shortID}
		}
		return id, nil
	}

	if len(shortID) < MinShortIDLength {
		return 0, fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}
	if len(shortID) > fullIDLength {
		return 0, fmt.Errorf("linking id is at most %d hex digits (got %d)", fullIDLength, len(shortID))
	}

	ids, err := source.ListClusterIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to search for cluster: %w", err)
	}

	var matches []blackboard.LinkingID
	for _, id := range ids {
		if strings.HasPrefix(id.String(), shortID) {
			matches = append(matches, id)
		}
	}

	switch len(matches) {
	case 0:
		return 0, &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return 0, &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no cluster matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no clusters found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple clusters matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []blackboard.LinkingID
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d clusters", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError lists the matching ids (up to 10, then "...and N more").
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: ambiguous short ID '%s' matches %d clusters:\n", err.ShortID, len(err.Matches))

	shown := min(len(err.Matches), 10)
	for _, id := range err.Matches[:shown] {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if len(err.Matches) > shown {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-shown)
	}

	b.WriteString("\nUse a longer prefix to uniquely identify the cluster.")
	return b.String()
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
