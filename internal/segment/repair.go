package segment

import (
	"strings"
	"unicode/utf8"

	"github.com/pavelanni/labgrader/internal/model"
)

// minSplitRunes is the shortest text Repair will cut at a rune midpoint when
// it has no line or sentence boundary.
const minSplitRunes = 20

// ContinuedSuffix marks the title of the second half of a split item.
const ContinuedSuffix = "（续）"

// Repair splits items until there are expected of them. It repeatedly takes
// the heaviest remaining item and cuts its longest method, code or answer
// text in two; items that cannot be cut leave the working set. It reports
// whether the target count was reached. Too many items are never merged.
func Repair(items []model.ContentItem, expected int) ([]model.ContentItem, bool) {
	out := append([]model.ContentItem(nil), items...)
	if expected <= 0 || len(out) >= expected {
		return out, len(out) == expected || expected <= 0
	}
	// candidates indexes into out; a split inserts right after its source.
	candidates := make([]int, len(out))
	for i := range out {
		candidates[i] = i
	}
	for len(out) < expected && len(candidates) > 0 {
		best := 0
		for c := 1; c < len(candidates); c++ {
			if weight(out[candidates[c]]) > weight(out[candidates[best]]) {
				best = c
			}
		}
		idx := candidates[best]
		first, second, ok := splitItem(out[idx])
		if !ok {
			candidates = append(candidates[:best], candidates[best+1:]...)
			continue
		}
		out[idx] = first
		out = append(out[:idx+1], append([]model.ContentItem{second}, out[idx+1:]...)...)
		for c := range candidates {
			if candidates[c] > idx {
				candidates[c]++
			}
		}
		candidates = append(candidates, idx+1)
	}
	model.Renumber(out)
	return out, len(out) == expected
}

func weight(it model.ContentItem) int {
	return utf8.RuneCountInString(it.Method) + utf8.RuneCountInString(it.Code) + utf8.RuneCountInString(it.Answer)
}

func splitItem(it model.ContentItem) (model.ContentItem, model.ContentItem, bool) {
	fields := []*string{&it.Method, &it.Code, &it.Answer}
	longest := -1
	for i, f := range fields {
		if longest < 0 || utf8.RuneCountInString(*f) > utf8.RuneCountInString(*fields[longest]) {
			longest = i
		}
	}
	head, tail, ok := splitText(*fields[longest])
	if !ok {
		return it, it, false
	}

	second := model.ContentItem{Title: continuedTitle(it.Title), Requirement: it.Requirement}
	secondFields := []*string{&second.Method, &second.Code, &second.Answer}
	*fields[longest] = head
	*secondFields[longest] = tail
	return it, second, true
}

func continuedTitle(title string) string {
	if title == "" {
		return ""
	}
	return title + ContinuedSuffix
}

// splitText cuts s near its middle: at a line break when there are at least
// two non-empty lines, otherwise after a sentence end, otherwise at the rune
// midpoint for long enough text.
func splitText(s string) (string, string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", false
	}
	lines := strings.Split(s, "\n")
	var nonEmpty []int
	for i, l := range lines {
		if strings.TrimSpace(l) != "" {
			nonEmpty = append(nonEmpty, i)
		}
	}
	if len(nonEmpty) >= 2 {
		cut := nonEmpty[len(nonEmpty)/2]
		head := strings.TrimSpace(strings.Join(lines[:cut], "\n"))
		tail := strings.TrimSpace(strings.Join(lines[cut:], "\n"))
		if head != "" && tail != "" {
			return head, tail, true
		}
	}

	runes := []rune(s)
	mid := len(runes) / 2
	bestCut := -1
	for i, r := range runes[:len(runes)-1] {
		if !strings.ContainsRune("。！？；.!?;", r) {
			continue
		}
		if bestCut < 0 || abs(i+1-mid) < abs(bestCut-mid) {
			bestCut = i + 1
		}
	}
	if bestCut > 0 {
		head := strings.TrimSpace(string(runes[:bestCut]))
		tail := strings.TrimSpace(string(runes[bestCut:]))
		if head != "" && tail != "" {
			return head, tail, true
		}
	}

	if len(runes) >= minSplitRunes {
		return strings.TrimSpace(string(runes[:mid])), strings.TrimSpace(string(runes[mid:])), true
	}
	return "", "", false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
