package segment

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pavelanni/labgrader/internal/model"
)

func TestSplitTwoQuestions(t *testing.T) {
	items, err := (&Local{}).Segment(context.Background(), "题目1：do X\n题目2：do Y", 2)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	for i, want := range []string{"do X", "do Y"} {
		if items[i].ID != model.ItemID(i) {
			t.Errorf("item %d id = %q", i, items[i].ID)
		}
		if !strings.Contains(items[i].Requirement, want) {
			t.Errorf("item %d requirement = %q, want it to contain %q", i, items[i].Requirement, want)
		}
	}
}

func TestSplitSubLabels(t *testing.T) {
	raw := "题目一：链表\n要求：实现反转\n方法与步骤：\n1) 遍历\n代码：\n  func f() {}\n运行结果：\nok\n"
	got := Split(raw)
	want := []model.ContentItem{{
		ID:          "Q1",
		Title:       "题目一：链表",
		Requirement: "实现反转",
		Method:      "1) 遍历",
		Code:        "  func f() {}",
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Split mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitWithoutHeaders(t *testing.T) {
	got := Split("just text\nmore\nand more")
	want := []model.ContentItem{{ID: "Q1", Requirement: "just text", Method: "more\nand more"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Split mismatch (-want +got):\n%s", diff)
	}
	if got := Split(" \n\t"); got != nil {
		t.Errorf("blank input should give no items, got %v", got)
	}
}

func TestSplitHeaderVariants(t *testing.T) {
	raw := "前言不属于题目\n（选做）题目2: 排序\r\n题目 ３：查找\n题目十：总结"
	got := Split(raw)
	titles := make([]string, len(got))
	for i, it := range got {
		titles[i] = it.Title
	}
	want := []string{"（选做）题目2", "题目 ３", "题目十"}
	if diff := cmp.Diff(want, titles); diff != "" {
		t.Errorf("titles mismatch (-want +got):\n%s", diff)
	}
}

func TestLocalCountLaw(t *testing.T) {
	inputs := []string{
		"",
		"只有一段文字",
		"题目1：a\n题目2：b",
		"题目1：a\n题目2：b\n题目3：c\n题目4：d\n题目5：e\n题目6：f\n题目7：g",
	}
	for _, raw := range inputs {
		for _, expected := range []int{1, 2, 6, 9} {
			items, err := (&Local{}).Segment(context.Background(), raw, expected)
			if err != nil {
				t.Fatalf("Segment(%q, %d): %v", raw, expected, err)
			}
			if len(items) != expected {
				t.Errorf("Segment(%q, %d) returned %d items", raw, expected, len(items))
			}
			for i, it := range items {
				if it.ID != model.ItemID(i) {
					t.Errorf("item %d id = %q", i, it.ID)
				}
			}
		}
	}
}

func TestLocalPadPolicies(t *testing.T) {
	raw := "题目1：a"

	t.Run("strict", func(t *testing.T) {
		_, err := (&Local{Pad: PadStrict}).Segment(context.Background(), raw, 3)
		var mismatch *CountMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("err = %v, want CountMismatchError", err)
		}
		if mismatch.Expected != 3 || mismatch.Got != 1 {
			t.Errorf("mismatch = %+v", mismatch)
		}
	})

	t.Run("warn", func(t *testing.T) {
		var buf bytes.Buffer
		l := &Local{Pad: PadWarn, Logger: slog.New(slog.NewTextHandler(&buf, nil))}
		items, err := l.Segment(context.Background(), raw, 3)
		if err != nil {
			t.Fatalf("Segment: %v", err)
		}
		if len(items) != 3 || !items[2].Empty() {
			t.Fatalf("items = %+v", items)
		}
		out := buf.String()
		if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "placeholders=2") {
			t.Errorf("log output = %q", out)
		}
	})

	t.Run("pad", func(t *testing.T) {
		var buf bytes.Buffer
		l := &Local{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
		if _, err := l.Segment(context.Background(), raw, 2); err != nil {
			t.Fatalf("Segment: %v", err)
		}
		if strings.Contains(buf.String(), "level=WARN") {
			t.Errorf("pad policy should not warn: %q", buf.String())
		}
	})
}

func TestFit(t *testing.T) {
	items := []model.ContentItem{{Requirement: "a"}, {Requirement: "b"}, {Requirement: "c"}}
	out, padded, dropped := Fit(items, 2)
	if len(out) != 2 || padded != 0 || dropped != 1 {
		t.Errorf("Fit(3->2) = %d items, padded %d, dropped %d", len(out), padded, dropped)
	}
	out, padded, dropped = Fit(items, 5)
	if len(out) != 5 || padded != 2 || dropped != 0 || out[4].ID != "Q5" {
		t.Errorf("Fit(3->5) = %+v, padded %d, dropped %d", out, padded, dropped)
	}
	if items[0].ID != "" {
		t.Error("Fit must not modify its input")
	}
}

func TestParseOptions(t *testing.T) {
	if s, err := ParseStrategy(""); err != nil || s != StrategyLocal {
		t.Errorf("ParseStrategy(\"\") = %q, %v", s, err)
	}
	if s, err := ParseStrategy("LLM"); err != nil || s != StrategyLLM {
		t.Errorf("ParseStrategy(LLM) = %q, %v", s, err)
	}
	if _, err := ParseStrategy("regex"); err == nil {
		t.Error("expected error for unknown strategy")
	}
	if p, err := ParsePadPolicy("warn"); err != nil || p != PadWarn {
		t.Errorf("ParsePadPolicy(warn) = %q, %v", p, err)
	}
	if _, err := ParsePadPolicy("ignore"); err == nil {
		t.Error("expected error for unknown pad policy")
	}
}
