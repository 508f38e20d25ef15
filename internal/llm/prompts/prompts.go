package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict is a strict grading variant for majors.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient is a lenient grading variant for electives.
	PromptLenient PromptVariant = "lenient"
)

var variants = []PromptVariant{PromptStrict, PromptStandard, PromptLenient}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	for _, known := range variants {
		if PromptVariant(v) == known {
			return true
		}
	}
	return false
}

// TruncationMarker is appended to text cut to fit the input budget.
const TruncationMarker = "\n[内容过长，已截断，仅评估上述片段]"

// Set holds the parsed prompt templates.
type Set struct {
	grading       map[PromptVariant]*template.Template
	batch         *template.Template
	item          *template.Template
	segmentSystem *template.Template
	segmentUser   *template.Template
}

var (
	defaultOnce sync.Once
	defaultSet  *Set
	defaultErr  error
)

// Default returns the embedded templates, parsed once.
func Default() (*Set, error) {
	defaultOnce.Do(func() {
		defaultSet, defaultErr = Load(templateFS)
	})
	return defaultSet, defaultErr
}

// Load parses prompt templates from fsys, which must contain a templates/
// directory with the same file names as the embedded set.
func Load(fsys fs.FS) (*Set, error) {
	s := &Set{grading: make(map[PromptVariant]*template.Template)}
	for _, v := range variants {
		t, err := parse(fsys, "grade_"+string(v))
		if err != nil {
			return nil, err
		}
		s.grading[v] = t
	}
	var err error
	for name, dst := range map[string]**template.Template{
		"grade_batch":    &s.batch,
		"grade_item":     &s.item,
		"segment_system": &s.segmentSystem,
		"segment_user":   &s.segmentUser,
	} {
		if *dst, err = parse(fsys, name); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func parse(fsys fs.FS, name string) (*template.Template, error) {
	file := "templates/" + name + ".txt"
	content, err := fs.ReadFile(fsys, file)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", file, err)
	}
	t, err := template.New(name).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", file, err)
	}
	return t, nil
}

func execute(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// GradeItem is one item as sent for grading.
type GradeItem struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// GradeSystem renders the system prompt for a grading variant. An unknown
// variant falls back to standard.
func (s *Set) GradeSystem(v PromptVariant, batch bool) (string, error) {
	t, ok := s.grading[v]
	if !ok {
		t = s.grading[PromptStandard]
	}
	return execute(t, struct{ Batch bool }{batch})
}

// GradeBatch renders the user message for batch grading.
func (s *Set) GradeBatch(items []GradeItem) (string, error) {
	payload, err := marshalPayload(items)
	if err != nil {
		return "", err
	}
	return execute(s.batch, struct {
		Items   []GradeItem
		Payload string
	}{items, payload})
}

// GradeSingle renders the user message for grading one item.
func (s *Set) GradeSingle(item GradeItem) (string, error) {
	payload, err := marshalPayload(item)
	if err != nil {
		return "", err
	}
	return execute(s.item, struct {
		Item    GradeItem
		Payload string
	}{item, payload})
}

func marshalPayload(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode grading payload: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Markers are the sentinel strings of the segmentation protocol.
type Markers struct {
	ItemBegin string
	ItemEnd   string
	// Field renders the begin or end marker of a named field.
	Field func(name string, begin bool) string
}

// SegmentData is the template input for segmentation prompts.
type SegmentData struct {
	Markers
	Count         int
	Content       string
	Retry         bool
	Attempt       int
	PreviousCount int
}

// FieldBegin is used by the templates.
func (d SegmentData) FieldBegin(name string) string { return d.Field(name, true) }

// FieldEnd is used by the templates.
func (d SegmentData) FieldEnd(name string) string { return d.Field(name, false) }

// Segment renders the system and user messages for a segmentation request.
func (s *Set) Segment(d SegmentData) (system, user string, err error) {
	if system, err = execute(s.segmentSystem, d); err != nil {
		return "", "", err
	}
	if user, err = execute(s.segmentUser, d); err != nil {
		return "", "", err
	}
	return system, user, nil
}

// Sanitize strips prompt-delimiting tags from student text, substitutes a
// placeholder for empty text and truncates to limit runes (0 = unlimited).
func Sanitize(text string, limit int) string {
	text = studentAnswerRegex.ReplaceAllString(text, "")
	text = systemInstructionsRegex.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return "[未作答]"
	}
	return Truncate(text, limit)
}

// Truncate cuts text to limit runes and appends TruncationMarker. A limit of
// zero or less disables truncation.
func Truncate(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + TruncationMarker
}
