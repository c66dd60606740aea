// Package keywords holds the ordered keyword tables that drive control matching.
package keywords

import (
	"errors"
	"strings"
)

// Table is a pair of ordered, lowercase keyword lists.
//
// Checkbox keywords are all attempted; Button keywords are tried in order and
// the first one with a match wins.
type Table struct {
	Checkbox []string `toml:"checkbox"`
	Button   []string `toml:"button"`
}

// DefaultCheckbox identifies consent checkboxes by label or name.
var DefaultCheckbox = []string{
	"terms",
	"accept",
	"agree",
	"conditions",
	"policy",
}

// DefaultButton identifies submission buttons by text or value, highest priority first.
var DefaultButton = []string{
	"connect",
	"accept",
	"agree",
	"continue",
	"login",
	"submit",
	"free",
}

// Default returns a fresh copy of the built-in tables.
func Default() Table {
	return Table{
		Checkbox: append([]string(nil), DefaultCheckbox...),
		Button:   append([]string(nil), DefaultButton...),
	}
}

// Normalize lowercases and trims every keyword, drops empties and removes
// duplicates while keeping the first occurrence (and therefore priority).
func (t Table) Normalize() Table {
	return Table{
		Checkbox: normalize(t.Checkbox),
		Button:   normalize(t.Button),
	}
}

// Validate reports whether both lists contain at least one keyword.
func (t Table) Validate() error {
	if len(normalize(t.Checkbox)) == 0 {
		return errors.New("checkbox keyword list is empty")
	}
	if len(normalize(t.Button)) == 0 {
		return errors.New("button keyword list is empty")
	}
	return nil
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
