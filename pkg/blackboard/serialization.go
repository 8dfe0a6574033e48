package blackboard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Serialization helpers for converting between Go structs and Redis values
//
// Redis stores data as string-to-string maps (hashes). Multi-valued fields are
// JSON-encoded into single hash fields; match graphs are stored as one JSON
// document keyed by record key text.

// RecordSetToHash converts a RecordSet to a Redis hash.
func RecordSetToHash(rs *RecordSet) map[string]interface{} {
	return map[string]interface{}{
		"id":             rs.ID,
		"name":           rs.Name,
		"linkable":       strconv.FormatBool(rs.Linkable),
		"is_linking_set": strconv.FormatBool(rs.IsLinkingSet),
	}
}

// HashToRecordSet converts a Redis hash back to a RecordSet.
func HashToRecordSet(hash map[string]string) (*RecordSet, error) {
	linkable, err := strconv.ParseBool(hash["linkable"])
	if err != nil {
		return nil, fmt.Errorf("invalid linkable field: %w", err)
	}
	isLinkingSet, err := strconv.ParseBool(hash["is_linking_set"])
	if err != nil {
		return nil, fmt.Errorf("invalid is_linking_set field: %w", err)
	}
	return &RecordSet{
		ID:           hash["id"],
		Name:         hash["name"],
		Linkable:     linkable,
		IsLinkingSet: isLinkingSet,
	}, nil
}

// PropertiesToHash converts a property bag to a Redis hash, one JSON array per attribute.
// Values are de-duplicated and sorted so identical bags serialize identically.
func PropertiesToHash(props Properties) (map[string]interface{}, error) {
	hash := make(map[string]interface{}, len(props))
	for attr, values := range props {
		encoded, err := json.Marshal(normalizeValues(values))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal values of %s: %w", attr, err)
		}
		hash[attr] = string(encoded)
	}
	return hash, nil
}

// HashToProperties converts a Redis hash back to a property bag.
func HashToProperties(hash map[string]string) (Properties, error) {
	props := make(Properties, len(hash))
	for attr, encoded := range hash {
		var values []string
		if err := json.Unmarshal([]byte(encoded), &values); err != nil {
			return nil, fmt.Errorf("failed to unmarshal values of %s: %w", attr, err)
		}
		props[attr] = values
	}
	return props, nil
}

// GraphToJSON encodes a match graph.
func GraphToJSON(g Graph) (string, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("failed to marshal match graph: %w", err)
	}
	return string(data), nil
}

// GraphFromJSON decodes a match graph. Empty input yields an empty graph.
func GraphFromJSON(data string) (Graph, error) {
	g := Graph{}
	if data == "" {
		return g, nil
	}
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal match graph: %w", err)
	}
	return g, nil
}

// IndexToken normalizes a property value for the blocking index:
// lower-cased, trimmed, inner whitespace collapsed. Empty values yield "".
func IndexToken(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}

func normalizeValues(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
