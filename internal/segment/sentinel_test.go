package segment

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pavelanni/labgrader/internal/model"
)

func TestSentinelRoundTrip(t *testing.T) {
	items := []model.ContentItem{
		{ID: "Q1", Title: "题目1", Requirement: "打印 \"hello\"", Method: "调用 fmt", Code: "for i := range xs {\n\tfmt.Println(i)\n}"},
		{ID: "Q2", Title: "题目2", Requirement: "回答问题", Answer: "答案是 {42}"},
	}
	got := ParseSentinel(Format(items))
	if diff := cmp.Diff(items, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSentinelTolerant(t *testing.T) {
	reply := "好的，结果如下：\n" +
		"<<< item_begin >>>\nid: 7\n<<<BEGIN title>>>T<<<END title>>>\n" +
		"<<<BEGIN question>>>\nQ text\n<<<BEGIN steps>>>S text\n" +
		"<<<ITEM_BEGIN>>>\nid：Q8\n<<<BEGIN requirement>>>R<<<END requirement>>>\n<<<ITEM_END>>>\n" +
		"尾部说明"
	got := ParseSentinel(reply)
	want := []model.ContentItem{
		{ID: "7", Title: "T", Requirement: "Q text", Method: "S text"},
		{ID: "Q8", Requirement: "R"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseSentinel mismatch (-want +got):\n%s", diff)
	}
}

func TestParseJSONShapes(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  []model.ContentItem
	}{
		{
			name:  "array with legacy keys",
			reply: `[{"id":"Q1","question":"a","answer":"b"}]`,
			want:  []model.ContentItem{{ID: "Q1", Requirement: "a", Answer: "b"}},
		},
		{
			name:  "wrapped array in fences",
			reply: "```json\n{\"items\":[{\"title\":\"t\",\"requirement\":\"r\"},{\"要求\":\"r2\"}]}\n```",
			want:  []model.ContentItem{{Title: "t", Requirement: "r"}, {Requirement: "r2"}},
		},
		{
			name:  "ordinal keys",
			reply: `{"2":{"requirement":"second"},"1":{"requirement":"first"}}`,
			want:  []model.ContentItem{{Requirement: "first"}, {Requirement: "second"}},
		},
		{
			name:  "single object with line array",
			reply: `说明 {"id": 3, "requirement":"solo","code":["l1","l2"]} 结束`,
			want:  []model.ContentItem{{ID: "3", Requirement: "solo", Code: "l1\nl2"}},
		},
		{
			name:  "strings",
			reply: `["第一题", "第二题"]`,
			want:  []model.ContentItem{{Requirement: "第一题"}, {Requirement: "第二题"}},
		},
		{
			name:  "no json",
			reply: "抱歉，我无法完成",
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseReply(tt.reply)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseReply mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseReplyPrefersSentinel(t *testing.T) {
	reply := "<<<ITEM_BEGIN>>>\n<<<BEGIN code>>>\nx := map[string]int{\"a\": 1}\n<<<END code>>>\n<<<ITEM_END>>>"
	got := ParseReply(reply)
	want := []model.ContentItem{{Code: "x := map[string]int{\"a\": 1}"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseReply mismatch (-want +got):\n%s", diff)
	}
}
