package segment

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pavelanni/labgrader/internal/model"
)

// boundaryRe matches a question header line such as "题目1：" or
// "（选做）题目二:". The number may be Arabic, full-width or CJK.
var boundaryRe = regexp.MustCompile(`(?m)^[ \t]*((?:[（(][^）)\n]*[）)])?[ \t]*题目[ \t]*(?:[0-9０-９]+|[一二三四五六七八九十百零〇两]+))[ \t]*[：:]`)

type section int

const (
	sectionNone section = iota
	sectionRequirement
	sectionMethod
	sectionCode
	sectionResult
)

// subLabelRe matches a sub-label at the start of a line, followed by a colon
// or the end of the line. Longer labels come first so they win.
var subLabelRe = regexp.MustCompile(`^[ \t]*(?:[0-9]+[.、]|[（(][0-9一二三四五六七八九十]+[）)]|[一二三四五六七八九十]+、)?[ \t]*` +
	`(题目要求|实验要求|要求|问题|实验方法与步骤|方法与步骤|实验步骤|方法|步骤|程序代码|源代码|实验代码|代码|运行结果|实验结果|结果)` +
	`[ \t]*(?:[：:](.*))?$`)

var subLabelSections = map[string]section{
	"题目要求": sectionRequirement, "实验要求": sectionRequirement, "要求": sectionRequirement, "问题": sectionRequirement,
	"实验方法与步骤": sectionMethod, "方法与步骤": sectionMethod, "实验步骤": sectionMethod, "方法": sectionMethod, "步骤": sectionMethod,
	"程序代码": sectionCode, "源代码": sectionCode, "实验代码": sectionCode, "代码": sectionCode,
	"运行结果": sectionResult, "实验结果": sectionResult, "结果": sectionResult,
}

// Split segments raw content at question headers. Text between consecutive
// headers (or to the end) forms one item. Input without any header becomes a
// single item. Items are numbered by position.
func Split(raw string) []model.ContentItem {
	text := strings.ReplaceAll(strings.ReplaceAll(raw, "\r\n", "\n"), "\r", "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	locs := boundaryRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		items := []model.ContentItem{parseBody("", text)}
		model.Renumber(items)
		return items
	}
	items := make([]model.ContentItem, 0, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		marker := strings.TrimSpace(text[loc[2]:loc[3]])
		items = append(items, parseBody(marker, text[loc[1]:end]))
	}
	model.Renumber(items)
	return items
}

// parseBody partitions the text after a header by sub-labels. Without
// sub-labels the first non-empty line is the requirement and the rest is the
// method.
func parseBody(marker, body string) model.ContentItem {
	lines := strings.Split(body, "\n")
	var preamble []string
	buf := map[section][]string{}
	cur := sectionNone
	found := false
	for _, line := range lines {
		if m := subLabelRe.FindStringSubmatch(line); m != nil {
			found = true
			cur = subLabelSections[m[1]]
			if rest := strings.TrimSpace(m[2]); rest != "" {
				buf[cur] = append(buf[cur], m[2])
			}
			continue
		}
		if cur == sectionNone {
			preamble = append(preamble, line)
		} else {
			buf[cur] = append(buf[cur], line)
		}
	}

	it := model.ContentItem{Title: marker}
	pre := strings.TrimSpace(strings.Join(preamble, "\n"))
	if !found {
		first, rest, _ := strings.Cut(pre, "\n")
		it.Requirement = strings.TrimSpace(first)
		it.Method = strings.TrimSpace(rest)
		return it
	}
	it.Requirement = strings.TrimSpace(strings.Join(buf[sectionRequirement], "\n"))
	it.Method = strings.TrimSpace(strings.Join(buf[sectionMethod], "\n"))
	it.Code = trimBlock(strings.Join(buf[sectionCode], "\n"))
	switch {
	case it.Requirement == "":
		it.Requirement = pre
	case pre != "":
		first, _, _ := strings.Cut(pre, "\n")
		if it.Title == "" {
			it.Title = strings.TrimSpace(first)
		} else {
			it.Title += "：" + strings.TrimSpace(first)
		}
	}
	return it
}

// trimBlock drops surrounding blank lines and trailing whitespace but keeps
// the indentation of the first line.
func trimBlock(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	for {
		line, rest, ok := strings.Cut(s, "\n")
		if !ok || strings.TrimSpace(line) != "" {
			break
		}
		s = rest
	}
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

// Local is the heuristic segmenter. It never calls a model.
type Local struct {
	Pad    PadPolicy
	Logger *slog.Logger
}

// Segment implements Segmenter. Extra segments are dropped and missing ones
// are padded (or rejected under PadStrict); both are logged.
func (l *Local) Segment(ctx context.Context, raw string, expected int) ([]model.ContentItem, error) {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	items := Split(raw)
	if expected > 0 && len(items) < expected && l.Pad == PadStrict {
		return nil, &CountMismatchError{Expected: expected, Got: len(items), Attempts: 1}
	}
	out, padded, dropped := Fit(items, expected)
	if dropped > 0 {
		log.Warn("segment.local.truncated", "found", len(items), "expected", expected, "dropped", dropped)
	}
	if padded > 0 {
		level := slog.LevelInfo
		if l.Pad == PadWarn {
			level = slog.LevelWarn
		}
		log.Log(ctx, level, "segment.local.padded", "found", len(items), "expected", expected, "placeholders", padded)
	}
	return out, nil
}
