// Package grading submits content items to a scoring model and reconciles
// the replies into exactly one result per item.
package grading

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/pavelanni/labgrader/internal/jsonx"
	"github.com/pavelanni/labgrader/internal/llm"
	"github.com/pavelanni/labgrader/internal/llm/prompts"
	"github.com/pavelanni/labgrader/internal/model"
)

const (
	// FallbackScore is used when a reply carries no usable score.
	FallbackScore = 60.0
	// FallbackFeedback is used when a reply carries no feedback.
	FallbackFeedback = "模型未返回规范JSON，已使用保底评分与占位反馈。"
	// CallFailed is the diagnostic of a result whose model call failed.
	CallFailed = "模型调用失败：可能超出上下文限制或服务端错误"
)

// maxRawRunes bounds the reply text kept as a diagnostic.
const maxRawRunes = 500

// Reply token limits for batch and per-item requests.
const (
	BatchMaxTokens = 1024
	ItemMaxTokens  = 512
)

// Mode selects how items are sent to the model.
type Mode string

const (
	// ModeBatch sends all items in one request and degrades to ModeItem
	// when the reply is unusable.
	ModeBatch Mode = "batch"
	// ModeItem sends one request per item.
	ModeItem Mode = "item"
)

// ParseMode validates a mode name. Empty selects ModeBatch.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeBatch, ModeItem:
		return m, nil
	case "":
		return ModeBatch, nil
	}
	return "", fmt.Errorf("unknown grading mode %q (want batch or item)", s)
}

// Reconciler grades items with a Completer.
type Reconciler struct {
	Completer llm.Completer
	// ItemCompleter serves per-item requests; nil uses Completer.
	ItemCompleter llm.Completer
	Model         string
	Variant       prompts.PromptVariant
	Mode          Mode
	// MaxInputChars bounds the answer sent per item; the question gets a
	// quarter of it. Zero disables truncation.
	MaxInputChars int
	Prompts       *prompts.Set
	Logger        *slog.Logger
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Score returns one result per item, in item order. It never fails: an
// unusable reply or a failed call yields FallbackScore with a diagnostic in
// GradingResult.Raw.
func (r *Reconciler) Score(ctx context.Context, items []model.ContentItem) []model.GradingResult {
	if len(items) == 0 {
		return nil
	}
	set := r.Prompts
	if set == nil {
		var err error
		if set, err = prompts.Default(); err != nil {
			r.logger().Error("grading.prompts.failed", "error", err)
			return fallbackAll(items, err.Error())
		}
	}
	payload := r.payload(items)

	if r.Mode != ModeItem {
		if results, ok := r.batch(ctx, set, items, payload); ok {
			return results
		}
		r.logger().Warn("grading.batch.degraded", "items", len(items))
	}
	results := make([]model.GradingResult, len(items))
	for i := range items {
		results[i] = r.single(ctx, set, items[i], payload[i])
	}
	return results
}

func (r *Reconciler) payload(items []model.ContentItem) []prompts.GradeItem {
	out := make([]prompts.GradeItem, len(items))
	for i, it := range items {
		out[i] = prompts.GradeItem{
			ID:       it.ID,
			Question: prompts.Sanitize(it.Question(), r.MaxInputChars/4),
			Answer:   prompts.Sanitize(it.ComposedAnswer(), r.MaxInputChars),
		}
	}
	return out
}

func (r *Reconciler) batch(ctx context.Context, set *prompts.Set, items []model.ContentItem, payload []prompts.GradeItem) ([]model.GradingResult, bool) {
	system, err := set.GradeSystem(r.Variant, true)
	if err != nil {
		r.logger().Error("grading.batch.prompt", "error", err)
		return nil, false
	}
	user, err := set.GradeBatch(payload)
	if err != nil {
		r.logger().Error("grading.batch.prompt", "error", err)
		return nil, false
	}
	reply, err := r.Completer.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}, r.Model)
	if err != nil {
		r.logger().Warn("grading.batch.failed", "error", err)
		return nil, false
	}
	list, ok := decodeList(reply)
	if !ok {
		r.logger().Warn("grading.batch.unparsed", "reply", clip(reply))
		return nil, false
	}
	return Align(items, list), true
}

func (r *Reconciler) single(ctx context.Context, set *prompts.Set, item model.ContentItem, payload prompts.GradeItem) model.GradingResult {
	system, err := set.GradeSystem(r.Variant, false)
	if err != nil {
		return fallback(item, err.Error())
	}
	user, err := set.GradeSingle(payload)
	if err != nil {
		return fallback(item, err.Error())
	}
	c := r.ItemCompleter
	if c == nil {
		c = r.Completer
	}
	reply, err := c.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}, r.Model)
	if err != nil {
		r.logger().Warn("grading.item.failed", "id", item.ID, "error", err)
		return fallback(item, CallFailed)
	}
	obj, _ := decodeObject(reply)
	res := Ensure(item, obj)
	if obj == nil {
		res.Raw = clip(reply)
	}
	return res
}

// Align matches reply objects to items by id. An item without a match takes
// the object at its own position, unless that object names another item.
func Align(items []model.ContentItem, list []any) []model.GradingResult {
	known := make(map[string]bool, len(items))
	for _, it := range items {
		known[normalizeID(it.ID)] = true
	}
	byID := make(map[string]map[string]any)
	for _, x := range list {
		obj, ok := x.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := objectID(obj); ok {
			if _, dup := byID[id]; !dup {
				byID[id] = obj
			}
		}
	}

	results := make([]model.GradingResult, len(items))
	for i, it := range items {
		obj := byID[normalizeID(it.ID)]
		if obj == nil && i < len(list) {
			if cand, ok := list[i].(map[string]any); ok {
				if id, hasID := objectID(cand); !hasID || !known[id] {
					obj = cand
				}
			}
		}
		results[i] = Ensure(it, obj)
	}
	return results
}

// Ensure builds the result for item from a reply object, substituting the
// fallback score and feedback for missing or unusable values. obj may be nil.
func Ensure(item model.ContentItem, obj map[string]any) model.GradingResult {
	res := model.GradingResult{ID: item.ID, Score: FallbackScore, Feedback: FallbackFeedback}
	if obj == nil {
		res.Raw = "no result for " + item.ID
		return res
	}
	if score, ok := scoreValue(obj["score"]); ok {
		res.Score = score
	} else {
		res.Raw = fmt.Sprintf("unusable score %v", obj["score"])
	}
	if fb, ok := obj["feedback"].(string); ok && strings.TrimSpace(fb) != "" {
		res.Feedback = strings.TrimSpace(fb)
	}
	return res
}

func fallback(item model.ContentItem, raw string) model.GradingResult {
	return model.GradingResult{ID: item.ID, Score: FallbackScore, Feedback: FallbackFeedback, Raw: raw}
}

func fallbackAll(items []model.ContentItem, raw string) []model.GradingResult {
	out := make([]model.GradingResult, len(items))
	for i, it := range items {
		out[i] = fallback(it, raw)
	}
	return out
}

// scoreValue accepts JSON numbers and numeric strings such as "85" or
// "85分", clamped to [0, 100].
func scoreValue(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case float64:
		f = t
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "分"))
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return math.Max(0, math.Min(100, f)), true
}

func objectID(obj map[string]any) (string, bool) {
	switch id := obj["id"].(type) {
	case string:
		if strings.TrimSpace(id) == "" {
			return "", false
		}
		return normalizeID(id), true
	case json.Number:
		return normalizeID(id.String()), true
	}
	return "", false
}

// normalizeID maps "q1", " Q1 " and "1" to "Q1".
func normalizeID(id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	if _, err := strconv.Atoi(id); err == nil {
		return "Q" + id
	}
	return id
}

func decode(raw json.RawMessage) (any, bool) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

// decodeList finds the result array in a batch reply: a bare array, or an
// object whose only array-valued member holds the results.
func decodeList(reply string) ([]any, bool) {
	raw, ok := jsonx.Extract(reply)
	if !ok {
		return nil, false
	}
	v, ok := decode(raw)
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case []any:
		return t, true
	case map[string]any:
		var arrays [][]any
		for _, member := range t {
			if arr, ok := member.([]any); ok {
				arrays = append(arrays, arr)
			}
		}
		if len(arrays) == 1 {
			return arrays[0], true
		}
		if _, ok := t["score"]; ok {
			return []any{t}, true
		}
	}
	return nil, false
}

// decodeObject finds the result object in a single-item reply.
func decodeObject(reply string) (map[string]any, bool) {
	raw, ok := jsonx.ExtractKind(reply, '{')
	if !ok {
		return nil, false
	}
	v, ok := decode(raw)
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	if _, scored := obj["score"]; !scored {
		// {"results": [{...}]} from endpoints forced into object mode.
		for _, member := range obj {
			if arr, isArr := member.([]any); isArr && len(arr) == 1 {
				if inner, isObj := arr[0].(map[string]any); isObj {
					return inner, true
				}
			}
		}
	}
	return obj, true
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "empty reply"
	}
	if r := []rune(s); len(r) > maxRawRunes {
		return string(r[:maxRawRunes]) + "…"
	}
	return s
}
