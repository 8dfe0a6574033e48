package blackboard

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RecordKey is the immutable identity of one observed record: the record set it
// was ingested into plus its id inside that set. Keys are never reused.
//
// The text form is "{record_set_id}/{record_id}". Record set ids may not contain
// a slash; record ids may contain anything.
type RecordKey struct {
	RecordSetID string
	RecordID    string
}

// String returns the text form of the key.
func (k RecordKey) String() string {
	return k.RecordSetID + "/" + k.RecordID
}

// Validate checks that both halves of the key are present and that the record
// set id can be round-tripped through the text form.
func (k RecordKey) Validate() error {
	if k.RecordSetID == "" {
		return fmt.Errorf("record_set_id is required")
	}
	if strings.Contains(k.RecordSetID, "/") {
		return fmt.Errorf("record_set_id must not contain '/': %s", k.RecordSetID)
	}
	if k.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	return nil
}

// Less orders keys by their text form.
func (k RecordKey) Less(other RecordKey) bool {
	if k.RecordSetID != other.RecordSetID {
		return k.RecordSetID < other.RecordSetID
	}
	return k.RecordID < other.RecordID
}

// MarshalText implements encoding.TextMarshaler so keys can be used as JSON map keys.
func (k RecordKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *RecordKey) UnmarshalText(text []byte) error {
	parsed, err := ParseRecordKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseRecordKey parses the "{record_set_id}/{record_id}" text form.
func ParseRecordKey(s string) (RecordKey, error) {
	setID, recordID, ok := strings.Cut(s, "/")
	if !ok {
		return RecordKey{}, fmt.Errorf("invalid record key %q: expected record_set_id/record_id", s)
	}
	key := RecordKey{RecordSetID: setID, RecordID: recordID}
	if err := key.Validate(); err != nil {
		return RecordKey{}, fmt.Errorf("invalid record key %q: %w", s, err)
	}
	return key, nil
}

// SortRecordKeys sorts keys in place by text form and returns them.
func SortRecordKeys(keys []RecordKey) []RecordKey {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Properties is the raw attribute bag of one record: attribute id -> values.
type Properties map[string][]string

// Block is a candidate record plus the neighborhood returned by blocking.
// Entities always contains Center. Membership is a point-in-time snapshot.
type Block struct {
	Center   RecordKey
	Entities map[RecordKey]Properties
}

// Validate checks that the block contains its own center.
func (b *Block) Validate() error {
	if _, ok := b.Entities[b.Center]; !ok {
		return fmt.Errorf("block for %s does not contain its center", b.Center)
	}
	return nil
}

// Keys returns the block members sorted by text form.
func (b *Block) Keys() []RecordKey {
	keys := make([]RecordKey, 0, len(b.Entities))
	for k := range b.Entities {
		keys = append(keys, k)
	}
	return SortRecordKeys(keys)
}

// Graph is a weighted match graph: lhs -> rhs -> score in [0,1].
// A cluster is the graph over all records currently linked together.
type Graph map[RecordKey]map[RecordKey]float64

// Set records a score for the ordered pair (lhs, rhs).
func (g Graph) Set(lhs, rhs RecordKey, score float64) {
	row, ok := g[lhs]
	if !ok {
		row = make(map[RecordKey]float64)
		g[lhs] = row
	}
	row[rhs] = score
}

// Keys returns every record mentioned by the graph, as a row or as a column,
// sorted by text form.
func (g Graph) Keys() []RecordKey {
	seen := make(map[RecordKey]struct{})
	for lhs, row := range g {
		seen[lhs] = struct{}{}
		for rhs := range row {
			seen[rhs] = struct{}{}
		}
	}
	keys := make([]RecordKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return SortRecordKeys(keys)
}

// Contains reports whether the record appears anywhere in the graph.
func (g Graph) Contains(key RecordKey) bool {
	if _, ok := g[key]; ok {
		return true
	}
	for _, row := range g {
		if _, ok := row[key]; ok {
			return true
		}
	}
	return false
}

// EdgeCount returns the number of scored pairs.
func (g Graph) EdgeCount() int {
	n := 0
	for _, row := range g {
		n += len(row)
	}
	return n
}

// MinScore returns the lowest score in the graph, or 0 for an empty graph.
func (g Graph) MinScore() float64 {
	first := true
	lowest := 0.0
	for _, row := range g {
		for _, score := range row {
			if first || score < lowest {
				lowest = score
				first = false
			}
		}
	}
	return lowest
}

// Clone returns a deep copy.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for lhs, row := range g {
		copied := make(map[RecordKey]float64, len(row))
		for rhs, score := range row {
			copied[rhs] = score
		}
		out[lhs] = copied
	}
	return out
}

// RemoveRecord deletes every edge touching key, except the edges for which keep
// returns true. Rows left empty are dropped. Returns the number of edges removed.
func (g Graph) RemoveRecord(key RecordKey, keep func(lhs, rhs RecordKey) bool) int {
	removed := 0
	for lhs, row := range g {
		for rhs := range row {
			if lhs != key && rhs != key {
				continue
			}
			if keep != nil && keep(lhs, rhs) {
				continue
			}
			delete(row, rhs)
			removed++
		}
		if len(row) == 0 {
			delete(g, lhs)
		}
	}
	return removed
}

// PairwiseMatch is the scored neighborhood around a center record.
type PairwiseMatch struct {
	Center  RecordKey
	Matches Graph
}

// LinkingID names one cluster. It is minted once by the id allocator, is never
// zero, and is never reassigned to a different cluster.
type LinkingID uint64

// String renders the id as 16 hex digits so the owning range is visible.
func (id LinkingID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// Range returns the allocator range (high 16 bits) the id was minted from.
func (id LinkingID) Range() uint16 {
	return uint16(uint64(id) >> 48)
}

// ParseLinkingID accepts the 16-hex-digit form produced by String.
func ParseLinkingID(s string) (LinkingID, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid linking id %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("invalid linking id %q: zero is never assigned", s)
	}
	return LinkingID(v), nil
}

// KeyedCluster is a cluster graph together with its linking id.
type KeyedCluster struct {
	ID    LinkingID
	Graph Graph
}

// RecordSet is the metadata the linker needs about one record set.
type RecordSet struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Linkable     bool   `json:"linkable"`       // Holds entities of a linkable type
	IsLinkingSet bool   `json:"is_linking_set"` // Set is itself a linking output; never scanned
}

// Validate checks the record set metadata.
func (rs *RecordSet) Validate() error {
	if rs.ID == "" {
		return fmt.Errorf("record set id is required")
	}
	if strings.Contains(rs.ID, "/") {
		return fmt.Errorf("record set id must not contain '/': %s", rs.ID)
	}
	return nil
}

// Lease is a time-bounded exclusive claim on one candidate.
type Lease struct {
	Candidate RecordKey
	Holder    string
	ExpiresAt int64 // Unix milliseconds
}

// Pair is an unordered pair of records, stored in canonical order.
type Pair struct {
	A RecordKey
	B RecordKey
}

// NewPair returns the pair with A <= B.
func NewPair(a, b RecordKey) Pair {
	if b.Less(a) {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

// Has reports whether the pair covers (lhs, rhs) in either order.
func (p Pair) Has(lhs, rhs RecordKey) bool {
	return (p.A == lhs && p.B == rhs) || (p.A == rhs && p.B == lhs)
}

// Feedback is a human judgement that two records are, or are not, the same entity.
type Feedback struct {
	Pair   Pair
	Linked bool
}

// LinkEvent is published after every committed linking decision.
type LinkEvent struct {
	Candidate  RecordKey   `json:"candidate"`
	LinkingID  LinkingID   `json:"linking_id"`
	NewCluster bool        `json:"new_cluster"`
	Members    []RecordKey `json:"members"`
	Score      float64     `json:"score"`
	LinkedAtMs int64       `json:"linked_at_ms"`
}
