package extract

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"github.com/pavelanni/labgrader/internal/model"
)

// labelMap maps printed labels (after normalization) to canonical fields.
var labelMap = func() map[string]model.Field {
	m := map[string]model.Field{
		"学院": model.FieldInstitution,
		"专业": model.FieldProgram,
	}
	for _, f := range model.Fields {
		m[foldKey(string(f))] = f
	}
	return m
}()

func foldKey(s string) string { return width.Fold.String(s) }

// stripLabel trims the text, drops one trailing colon (half or full width)
// and removes all whitespace.
func stripLabel(text string) string {
	t := strings.TrimSpace(norm.NFC.String(text))
	t = strings.TrimSuffix(t, ":")
	t = strings.TrimSuffix(t, "：")
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, t)
}

// NormalizeLabel maps raw cell text to a canonical field name. Text that is
// not a known label comes back stripped but otherwise unchanged, which lets
// callers tell field rows from content rows.
func NormalizeLabel(text string) string {
	t := stripLabel(text)
	if f, ok := labelMap[foldKey(t)]; ok {
		return string(f)
	}
	return t
}

// LookupField returns the canonical field for a raw label.
func LookupField(text string) (model.Field, bool) {
	f, ok := labelMap[foldKey(stripLabel(text))]
	return f, ok
}
