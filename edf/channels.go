package edf

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Channel categories.
const (
	CategoryEEG    = "eeg"
	CategoryEOG    = "eog"
	CategoryEMG    = "emg"
	CategoryOthers = "others"
)

var eegPrefixes = []string{"Fp", "F", "C", "P", "O", "T"}

// Selection maps a category to an ordered list of signal labels.
type Selection map[string][]string

// Categorize sorts labels into eeg, eog, emg and others. A label can land
// in more than one of the first three (e.g. "EOG ROC" is not EEG, but
// "F-EMG" is both EEG and EMG); others holds labels matching none.
func Categorize(labels []string) Selection {
	sel := Selection{
		CategoryEEG:    []string{},
		CategoryEOG:    []string{},
		CategoryEMG:    []string{},
		CategoryOthers: []string{},
	}
	for _, l := range labels {
		upper := strings.ToUpper(l)
		matched := false
		if hasAnyPrefix(l, eegPrefixes) {
			sel[CategoryEEG] = append(sel[CategoryEEG], l)
			matched = true
		}
		if strings.Contains(upper, "EOG") {
			sel[CategoryEOG] = append(sel[CategoryEOG], l)
			matched = true
		}
		if strings.Contains(upper, "EMG") {
			sel[CategoryEMG] = append(sel[CategoryEMG], l)
			matched = true
		}
		if !matched {
			sel[CategoryOthers] = append(sel[CategoryOthers], l)
		}
	}
	return sel
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ParseSelection decodes a client channel selection. Empty input is an
// empty selection. Keys must be known categories and labels non-empty.
func ParseSelection(raw string) (Selection, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Selection{}, nil
	}
	var sel Selection
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		return nil, fmt.Errorf("selection is not a JSON object of label lists: %w", err)
	}
	if sel == nil {
		return Selection{}, nil
	}
	for cat, labels := range sel {
		switch cat {
		case CategoryEEG, CategoryEOG, CategoryEMG, CategoryOthers:
		default:
			return nil, fmt.Errorf("unknown channel category %q", cat)
		}
		for _, l := range labels {
			if strings.TrimSpace(l) == "" {
				return nil, fmt.Errorf("empty channel label in %s", cat)
			}
		}
	}
	return sel, nil
}

// Unknown returns the selected labels absent from labels, in category order.
func (s Selection) Unknown(labels []string) []string {
	var out []string
	for _, cat := range []string{CategoryEEG, CategoryEOG, CategoryEMG, CategoryOthers} {
		for _, l := range s[cat] {
			if !slices.Contains(labels, l) {
				out = append(out, l)
			}
		}
	}
	return out
}

// Scoring returns the eeg, eog and emg lists only, the shape the processor
// consumes.
func (s Selection) Scoring() Selection {
	out := Selection{}
	for _, cat := range []string{CategoryEEG, CategoryEOG, CategoryEMG} {
		out[cat] = append([]string{}, s[cat]...)
	}
	return out
}

// Summary joins every scoring label, or "None Selected".
func (s Selection) Summary() string {
	all := append(append(append([]string{}, s[CategoryEEG]...), s[CategoryEOG]...), s[CategoryEMG]...)
	if len(all) == 0 {
		return "None Selected"
	}
	return strings.Join(all, ", ")
}
