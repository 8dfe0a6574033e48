package matcher

import (
	"strings"

	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/xrash/smetrics"
)

// Person fields compared by the feature extractor, in feature order.
const (
	FieldFirstName  = "first_name"
	FieldMiddleName = "middle_name"
	FieldLastName   = "last_name"
	FieldSex        = "sex"
	FieldDOB        = "dob"
	FieldSSN        = "ssn"
	FieldRace       = "race"
	FieldEthnicity  = "ethnicity"
)

// Fields lists the person fields in the order their features appear.
var Fields = []string{
	FieldFirstName, FieldMiddleName, FieldLastName,
	FieldSex, FieldDOB, FieldSSN, FieldRace, FieldEthnicity,
}

var nameFields = map[string]bool{FieldFirstName: true, FieldMiddleName: true, FieldLastName: true}

var digitFields = map[string]bool{FieldDOB: true, FieldSSN: true}

// Feature kinds. Every field yields the first three; names add the last two.
const (
	kindJaroWinkler = "jaro_winkler"
	kindExact       = "exact"
	kindPresent     = "present"
	kindSoundex     = "soundex"
	kindEdit        = "edit"
)

// FeatureNames returns the name of every feature, in extraction order.
// Names have the form "{field}.{kind}", e.g. "last_name.soundex".
func FeatureNames() []string {
	names := make([]string, 0, 30)
	for _, f := range Fields {
		names = append(names, f+"."+kindJaroWinkler, f+"."+kindExact, f+"."+kindPresent)
		if nameFields[f] {
			names = append(names, f+"."+kindSoundex, f+"."+kindEdit)
		}
	}
	return names
}

// Extractor turns a pair of property bags into a feature vector. Each feature is
// a similarity in [0,1] scaled by 100.
type Extractor struct {
	// person field → attribute id; fields absent from the map use their own name
	attributes map[string]string
}

// NewExtractor creates an extractor reading person fields from the mapped attributes.
func NewExtractor(attributes map[string]string) *Extractor {
	return &Extractor{attributes: attributes}
}

func (e *Extractor) attribute(field string) string {
	if attr, ok := e.attributes[field]; ok && attr != "" {
		return attr
	}
	return field
}

// Extract computes the features of (lhs, rhs). It is deterministic and symmetric.
func (e *Extractor) Extract(lhs, rhs blackboard.Properties) []float64 {
	features := make([]float64, 0, 30)
	for _, f := range Fields {
		a := normalize(f, lhs[e.attribute(f)])
		b := normalize(f, rhs[e.attribute(f)])
		present := len(a) > 0 && len(b) > 0

		features = append(features,
			100*bestPair(a, b, jaroWinkler),
			100*indicator(present && anyEqual(a, b)),
			100*indicator(present),
		)
		if nameFields[f] {
			features = append(features,
				100*indicator(present && soundexAgrees(a, b)),
				100*bestPair(a, b, editSimilarity),
			)
		}
	}
	return features
}

func normalize(field string, values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		var n string
		if digitFields[field] {
			n = digitsOnly(v)
		} else {
			n = blackboard.IndexToken(v)
		}
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func lettersOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' {
			return r
		}
		return -1
	}, s)
}

func jaroWinkler(a, b string) float64 {
	return smetrics.JaroWinkler(a, b, 0.7, 4)
}

func editSimilarity(a, b string) float64 {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(smetrics.WagnerFischer(a, b, 1, 1, 1))/float64(longest)
}

// bestPair returns the highest similarity over all value pairs, or 0 when either side is empty.
func bestPair(a, b []string, sim func(string, string) float64) float64 {
	best := 0.0
	for _, x := range a {
		for _, y := range b {
			if s := sim(x, y); s > best {
				best = s
			}
		}
	}
	return best
}

func anyEqual(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func soundexAgrees(a, b []string) bool {
	for _, x := range a {
		x = lettersOnly(x)
		if x == "" {
			continue
		}
		sx := smetrics.Soundex(x)
		for _, y := range b {
			y = lettersOnly(y)
			if y != "" && smetrics.Soundex(y) == sx {
				return true
			}
		}
	}
	return false
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
