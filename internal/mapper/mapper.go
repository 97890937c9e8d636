package mapper

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/MeKo-Tech/idex/internal/template"
)

// PageText is the corrected text for one page, in page order.
type PageText struct {
	PageIndex int
	Text      string
	// Hints are optional labeled key/value pairs the correction step
	// already identified. They are considered after pairs parsed from
	// the text itself.
	Hints map[string]string
}

// Pair is one catch-all entry. The bucket preserves detection order.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Result is the outcome of applying a template to corrected text.
// Fields holds only fields with a confident match: a field absent from
// the document is absent from the map, never an empty string.
type Result struct {
	Fields   map[string]string
	CatchAll []Pair
}

// CatchAllValue returns the first catch-all value stored under key.
func (r *Result) CatchAllValue(key string) (string, bool) {
	for _, p := range r.CatchAll {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// MappingError indicates the corrected text was structurally unusable.
type MappingError struct {
	Reason string
}

func (e *MappingError) Error() string { return "mapping failed: " + e.Reason }

// candidate is a labeled pair found in the corrected text, in document
// order. Unlabeled lines keep an empty label and receive a synthetic
// ordinal key if they end up in the catch-all bucket.
type candidate struct {
	label    string
	value    string
	consumed bool
}

// Map applies the template to corrected pages concatenated in page
// order. For every field definition, the first confident match in
// document order wins; template field order is the tie-break when the
// same pair could satisfy several fields. Everything not consumed by a
// field definition lands in the catch-all bucket.
func Map(tpl *template.Template, pages []PageText) (*Result, error) {
	if tpl == nil {
		return nil, errors.New("nil template")
	}

	cands := collectCandidates(pages)
	if len(cands) == 0 {
		return nil, &MappingError{Reason: "corrected text is empty for every page"}
	}

	res := &Result{Fields: make(map[string]string)}

	for i := range tpl.Fields {
		f := &tpl.Fields[i]
		for j := range cands {
			c := &cands[j]
			if c.consumed || c.label == "" {
				continue
			}
			if !labelMatches(f, c.label) {
				continue
			}
			if re := f.ValuePattern(); re != nil && !re.MatchString(c.value) {
				continue
			}
			val := c.value
			if f.Date {
				val = NormalizeDate(val)
			}
			res.Fields[f.Name] = val
			c.consumed = true
			break
		}
	}

	ordinal := 0
	for i := range cands {
		c := &cands[i]
		if c.consumed {
			continue
		}
		key := c.label
		if key == "" {
			ordinal++
			key = fmt.Sprintf("line_%d", ordinal)
		}
		res.CatchAll = append(res.CatchAll, Pair{Key: key, Value: c.value})
	}

	return res, nil
}

// collectCandidates splits pages into labeled pairs and stray lines.
// Hints follow the parsed text of their page so that text evidence
// wins over model hints for the same label.
func collectCandidates(pages []PageText) []candidate {
	var cands []candidate
	for _, page := range pages {
		for _, line := range strings.Split(page.Text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if label, value, ok := splitPair(line); ok {
				cands = append(cands, candidate{label: label, value: value})
			} else {
				cands = append(cands, candidate{value: line})
			}
		}
		for _, k := range sortedKeys(page.Hints) {
			v := strings.TrimSpace(page.Hints[k])
			if v == "" {
				continue
			}
			cands = append(cands, candidate{label: strings.TrimSpace(k), value: v})
		}
	}
	return cands
}

// splitPair parses a "Label: value" line. The label side must be
// reasonably short and non-numeric so MRZ lines and timestamps do not
// masquerade as labels.
func splitPair(line string) (label, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 || idx == len(line)-1 {
		return "", "", false
	}
	label = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if label == "" || value == "" || len(label) > 40 {
		return "", "", false
	}
	if strings.IndexFunc(label, func(r rune) bool {
		return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
	}) < 0 {
		return "", "", false
	}
	return label, value, true
}

func labelMatches(f *template.FieldDef, label string) bool {
	got := normalizeLabel(label)
	for _, l := range f.Labels {
		if normalizeLabel(l) == got {
			return true
		}
	}
	return false
}

// normalizeLabel folds case and compatibility forms so "Passport №"
// and "passport no" compare equal after punctuation stripping.
func normalizeLabel(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		case r == ' ' || r == '\t' || r == '.' || r == '_' || r == '-' || r == '/':
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
				lastSpace = true
			}
		default:
			// drop other punctuation
		}
	}
	return strings.TrimSpace(b.String())
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
