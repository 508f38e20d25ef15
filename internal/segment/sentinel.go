package segment

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pavelanni/labgrader/internal/jsonx"
	"github.com/pavelanni/labgrader/internal/llm/prompts"
	"github.com/pavelanni/labgrader/internal/model"
)

// Sentinel markers. Models copy code and quotes verbatim far more reliably
// inside plain delimiters than inside JSON strings.
const (
	ItemBegin = "<<<ITEM_BEGIN>>>"
	ItemEnd   = "<<<ITEM_END>>>"
)

// FieldBegin returns the opening marker of a named field.
func FieldBegin(name string) string { return "<<<BEGIN " + name + ">>>" }

// FieldEnd returns the closing marker of a named field.
func FieldEnd(name string) string { return "<<<END " + name + ">>>" }

var protocolFields = []string{"title", "requirement", "method", "code", "answer"}

func markers() prompts.Markers {
	return prompts.Markers{
		ItemBegin: ItemBegin,
		ItemEnd:   ItemEnd,
		Field: func(name string, begin bool) string {
			if begin {
				return FieldBegin(name)
			}
			return FieldEnd(name)
		},
	}
}

// The scanners tolerate extra whitespace inside markers and any letter case.
var (
	itemBeginRe = regexp.MustCompile(`(?i)<<<\s*ITEM_BEGIN\s*>>>`)
	itemEndRe   = regexp.MustCompile(`(?i)<<<\s*ITEM_END\s*>>>`)
	fieldRe     = regexp.MustCompile(`(?i)<<<\s*(BEGIN|END)\s+([a-z_]+)\s*>>>`)
	idLineRe    = regexp.MustCompile(`(?im)^[ \t]*id[ \t]*[:：][ \t]*(\S+)[ \t]*$`)
)

// Format renders items in the sentinel protocol.
func Format(items []model.ContentItem) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString(ItemBegin + "\n")
		b.WriteString("id: " + it.ID + "\n")
		for _, name := range protocolFields {
			v := fieldValue(it, name)
			if name == "answer" && v == "" {
				continue
			}
			b.WriteString(FieldBegin(name) + "\n" + v + "\n" + FieldEnd(name) + "\n")
		}
		b.WriteString(ItemEnd + "\n")
	}
	return b.String()
}

func fieldValue(it model.ContentItem, name string) string {
	switch name {
	case "title":
		return it.Title
	case "requirement":
		return it.Requirement
	case "method":
		return it.Method
	case "code":
		return it.Code
	case "answer":
		return it.Answer
	}
	return ""
}

func setField(it *model.ContentItem, name, v string) {
	switch canonicalField(name) {
	case "title":
		it.Title = strings.TrimSpace(v)
	case "requirement":
		it.Requirement = strings.TrimSpace(v)
	case "method":
		it.Method = strings.TrimSpace(v)
	case "code":
		it.Code = trimBlock(v)
	case "answer":
		it.Answer = strings.TrimSpace(v)
	}
}

var fieldAliases = map[string]string{
	"title": "title", "name": "title", "标题": "title", "题目": "title",
	"requirement": "requirement", "question": "requirement", "prompt": "requirement",
	"要求": "requirement", "题目要求": "requirement", "问题": "requirement", "题干": "requirement",
	"method": "method", "steps": "method", "procedure": "method",
	"方法": "method", "步骤": "method", "方法与步骤": "method",
	"code": "code", "program": "code", "source": "code", "代码": "code",
	"answer": "answer", "答案": "answer", "回答": "answer",
}

func canonicalField(name string) string {
	return fieldAliases[strings.ToLower(strings.TrimSpace(name))]
}

// ParseSentinel scans text for sentinel-delimited items. A missing end marker
// closes the item at the next begin marker or the end of the text; a missing
// field end marker closes the field at the next field marker.
func ParseSentinel(text string) []model.ContentItem {
	begins := itemBeginRe.FindAllStringIndex(text, -1)
	ends := itemEndRe.FindAllStringIndex(text, -1)
	var items []model.ContentItem
	for i, b := range begins {
		start, limit := b[1], len(text)
		if i+1 < len(begins) {
			limit = begins[i+1][0]
		}
		end := limit
		for _, e := range ends {
			if e[0] >= start && e[0] < limit {
				end = e[0]
				break
			}
		}
		items = append(items, parseSpan(text[start:end]))
	}
	return items
}

func parseSpan(span string) model.ContentItem {
	var it model.ContentItem
	toks := fieldRe.FindAllStringSubmatchIndex(span, -1)

	head := span
	if len(toks) > 0 {
		head = span[:toks[0][0]]
	}
	if m := idLineRe.FindStringSubmatch(head); m != nil {
		it.ID = m[1]
	}

	open, from := "", 0
	for _, tok := range toks {
		kind := strings.ToUpper(span[tok[2]:tok[3]])
		name := strings.ToLower(span[tok[4]:tok[5]])
		if open != "" && (kind == "BEGIN" || name == open) {
			setField(&it, open, span[from:tok[0]])
			open = ""
		}
		if kind == "BEGIN" {
			open, from = name, tok[1]
		}
	}
	if open != "" {
		setField(&it, open, span[from:])
	}
	return it
}

// ParseJSON interprets a JSON reply in any of the shapes models produce: an
// array of items, an object wrapping such an array, an object keyed by
// ordinal, or a single item object.
func ParseJSON(text string) []model.ContentItem {
	raw, ok := jsonx.Extract(text)
	if !ok {
		return nil
	}
	var v any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return itemsFromValue(v)
}

func itemsFromValue(v any) []model.ContentItem {
	switch t := v.(type) {
	case []any:
		var out []model.ContentItem
		for _, e := range t {
			if it, ok := itemFromValue(e); ok {
				out = append(out, it)
			}
		}
		return out
	case map[string]any:
		for _, key := range []string{"items", "segments", "questions", "results", "data"} {
			if arr, ok := t[key].([]any); ok {
				return itemsFromValue(arr)
			}
		}
		if ordered, ok := ordinalValues(t); ok {
			var out []model.ContentItem
			for _, e := range ordered {
				if it, ok := itemFromValue(e); ok {
					out = append(out, it)
				}
			}
			return out
		}
		if it, ok := itemFromValue(t); ok {
			return []model.ContentItem{it}
		}
	}
	return nil
}

func itemFromValue(v any) (model.ContentItem, bool) {
	var it model.ContentItem
	switch t := v.(type) {
	case string:
		it.Requirement = strings.TrimSpace(t)
		return it, it.Requirement != ""
	case map[string]any:
		known := false
		for k, val := range t {
			if strings.EqualFold(k, "id") {
				it.ID = scalarText(val)
				known = true
				continue
			}
			if canonicalField(k) != "" {
				setField(&it, k, scalarText(val))
				known = true
			}
		}
		return it, known
	}
	return it, false
}

func scalarText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, scalarText(e))
		}
		return strings.Join(parts, "\n")
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

var ordinalKeyRe = regexp.MustCompile(`^(?i:q|题目|item)?\s*([0-9]+)$`)

// ordinalValues returns the values of an object whose keys are all ordinals
// ("1", "Q2", "题目3"), sorted by ordinal.
func ordinalValues(m map[string]any) ([]any, bool) {
	if len(m) == 0 {
		return nil, false
	}
	type entry struct {
		n int
		v any
	}
	entries := make([]entry, 0, len(m))
	for k, v := range m {
		sub := ordinalKeyRe.FindStringSubmatch(strings.TrimSpace(k))
		if sub == nil {
			return nil, false
		}
		n, err := strconv.Atoi(sub[1])
		if err != nil {
			return nil, false
		}
		entries = append(entries, entry{n, v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].n < entries[j].n })
	out := make([]any, len(entries))
	for i, e := range entries {
		out[i] = e.v
	}
	return out, true
}

// ParseReply parses a segmentation reply: sentinel scanning first, then the
// JSON shapes.
func ParseReply(text string) []model.ContentItem {
	if items := ParseSentinel(text); len(items) > 0 {
		return items
	}
	return ParseJSON(text)
}
