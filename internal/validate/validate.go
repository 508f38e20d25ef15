// Package validate checks record files against the interchange schema.
package validate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pavelanni/labgrader/internal/model"
)

//go:embed record.schema.json
var recordSchema []byte

const schemaURL = "record.schema.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, bytes.NewReader(recordSchema)); err != nil {
			compileErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
		if compileErr != nil {
			compileErr = fmt.Errorf("compile schema: %w", compileErr)
		}
	})
	return compiled, compileErr
}

// Report lists schema violations and softer findings for one record.
type Report struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	Items    int      `json:"items_count"`
}

// OK reports whether the record has no errors.
func (r Report) OK() bool { return len(r.Errors) == 0 }

// Record validates a record file. The error is reserved for data that is not
// JSON at all; schema violations land in Report.Errors.
func Record(data []byte) (Report, error) {
	s, err := schema()
	if err != nil {
		return Report{}, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return Report{}, fmt.Errorf("decode record: %w", err)
	}

	var rep Report
	if err := s.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return Report{}, err
		}
		rep.Errors = leafMessages(ve)
	}

	obj, _ := v.(map[string]any)
	content, _ := obj[string(model.FieldContent)].(map[string]any)
	items, _ := content["items"].([]any)
	rep.Items = len(items)
	if content != nil && len(items) == 0 {
		rep.Warnings = append(rep.Warnings, "实验内容.items is empty (content may not follow the 题目N layout)")
	}
	for i, x := range items {
		it, _ := x.(map[string]any)
		id, _ := it["id"].(string)
		if want := model.ItemID(i); id != want {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("items[%d].id is %q, want %q", i, id, want))
		}
	}
	if g, _ := obj[string(model.FieldGrade)].(string); strings.TrimSpace(g) == "" && obj != nil {
		rep.Warnings = append(rep.Warnings, "成绩 is empty")
	}
	return rep, nil
}

// leafMessages flattens a validation error tree into "location: message"
// lines for its leaves.
func leafMessages(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}
