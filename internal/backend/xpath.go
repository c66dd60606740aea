package backend

import (
	"fmt"
	"strings"
)

const (
	upper = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lower = "abcdefghijklmnopqrstuvwxyz"

	checkboxInput = `input[@type='checkbox']`
	buttonInput   = `input[@type='submit' or @type='button']`
)

// XPath compiles spec into an XPath 1.0 union expression. Results come back
// in document order.
func XPath(spec MatchSpec) string {
	kw := Literal(strings.ToLower(spec.Keyword))
	var parts []string

	switch spec.Kind {
	case Checkbox:
		if spec.Text {
			label := fmt.Sprintf("//label[contains(%s, %s)]", lowered("."), kw)
			parts = append(parts,
				label+"//"+checkboxInput,
				fmt.Sprintf("//%s[@id = %s/@for]", checkboxInput, label),
			)
		}
		for _, attr := range spec.Attributes {
			parts = append(parts, fmt.Sprintf("//%s[contains(%s, %s)]", checkboxInput, lowered("@"+attr), kw))
		}
	case Button:
		if spec.Text {
			parts = append(parts, fmt.Sprintf("//button[contains(%s, %s)]", lowered("."), kw))
		}
		for _, attr := range spec.Attributes {
			cond := fmt.Sprintf("contains(%s, %s)", lowered("@"+attr), kw)
			parts = append(parts,
				fmt.Sprintf("//button[%s]", cond),
				fmt.Sprintf("//%s[%s]", buttonInput, cond),
			)
		}
	}

	return strings.Join(parts, " | ")
}

// Literal quotes s as an XPath string literal, falling back to concat() when
// s contains both quote characters.
func Literal(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	pieces := strings.Split(s, "'")
	quoted := make([]string, 0, 2*len(pieces))
	for i, p := range pieces {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		quoted = append(quoted, "'"+p+"'")
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}

func lowered(expr string) string {
	return fmt.Sprintf("translate(%s, '%s', '%s')", expr, upper, lower)
}
