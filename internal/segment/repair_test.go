package segment

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pavelanni/labgrader/internal/model"
)

func TestRepair(t *testing.T) {
	tests := []struct {
		name     string
		items    []model.ContentItem
		expected int
		want     []model.ContentItem
		wantOK   bool
	}{
		{
			name: "splits heaviest by lines",
			items: []model.ContentItem{
				{Title: "题目1", Requirement: "r1", Method: "第一步\n第二步\n第三步\n第四步"},
				{Title: "题目2", Method: "短"},
			},
			expected: 3,
			want: []model.ContentItem{
				{ID: "Q1", Title: "题目1", Requirement: "r1", Method: "第一步\n第二步"},
				{ID: "Q2", Title: "题目1（续）", Requirement: "r1", Method: "第三步\n第四步"},
				{ID: "Q3", Title: "题目2", Method: "短"},
			},
			wantOK: true,
		},
		{
			name:     "splits at sentence end",
			items:    []model.ContentItem{{Method: "第一句。第二句。"}},
			expected: 2,
			want:     []model.ContentItem{{ID: "Q1", Method: "第一句。"}, {ID: "Q2", Method: "第二句。"}},
			wantOK:   true,
		},
		{
			name:     "longest field wins",
			items:    []model.ContentItem{{Method: "m", Code: "a()\nb()\nc()"}},
			expected: 2,
			want:     []model.ContentItem{{ID: "Q1", Method: "m", Code: "a()"}, {ID: "Q2", Code: "b()\nc()"}},
			wantOK:   true,
		},
		{
			name:     "cannot split",
			items:    []model.ContentItem{{Method: "短"}, {}},
			expected: 3,
			want:     []model.ContentItem{{ID: "Q1", Method: "短"}, {ID: "Q2"}},
			wantOK:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Repair(tt.items, tt.expected)
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Repair mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRepairLeavesLongLists(t *testing.T) {
	items := []model.ContentItem{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	got, ok := Repair(items, 2)
	if ok || len(got) != 3 {
		t.Errorf("Repair(3->2) = %d items, ok %v", len(got), ok)
	}
}

func TestMachine(t *testing.T) {
	t.Run("first reply matches", func(t *testing.T) {
		m := NewMachine(3, 3).Observe(3)
		if m.State != StateSucceeded || !m.Done() || m.Err() != nil {
			t.Errorf("machine = %+v", m)
		}
	})

	t.Run("short reply repaired", func(t *testing.T) {
		m := NewMachine(3, 3).Observe(2)
		if m.State != StateRepairing {
			t.Fatalf("state = %v, want repairing", m.State)
		}
		if m = m.Repaired(3); m.State != StateSucceeded {
			t.Errorf("state = %v, want succeeded", m.State)
		}
	})

	t.Run("failed repair retries", func(t *testing.T) {
		m := NewMachine(3, 3).Observe(2).Repaired(2)
		want := Machine{State: StateAttempting, Attempt: 2, MaxAttempts: 3, Expected: 3, LastCount: 2, ReplyCount: 2}
		if m != want {
			t.Errorf("machine = %+v, want %+v", m, want)
		}
		if !m.Retrying() {
			t.Error("second attempt should be a retry")
		}
	})

	t.Run("repair keeps the reply count", func(t *testing.T) {
		m := NewMachine(6, 3).Observe(2).Repaired(5)
		if m.ReplyCount != 2 || m.LastCount != 5 || m.Attempt != 2 {
			t.Errorf("machine = %+v", m)
		}
	})

	t.Run("too many and empty retry", func(t *testing.T) {
		for _, got := range []int{0, 5} {
			m := NewMachine(3, 3).Observe(got)
			if m.State != StateAttempting || m.Attempt != 2 || m.LastCount != got {
				t.Errorf("Observe(%d) = %+v", got, m)
			}
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		m := NewMachine(3, 2).Observe(0).Observe(1).Repaired(1)
		if m.State != StateExhausted || !m.Done() {
			t.Fatalf("machine = %+v", m)
		}
		var mismatch *CountMismatchError
		if !errors.As(m.Err(), &mismatch) {
			t.Fatalf("Err() = %v", m.Err())
		}
		if *mismatch != (CountMismatchError{Expected: 3, Got: 1, Attempts: 2}) {
			t.Errorf("mismatch = %+v", mismatch)
		}
		if after := m.Observe(3); after != m {
			t.Error("terminal machine must not change")
		}
	})

	t.Run("no expected count", func(t *testing.T) {
		m := NewMachine(0, 0)
		if m.MaxAttempts != 1 {
			t.Errorf("MaxAttempts = %d, want 1", m.MaxAttempts)
		}
		if m = m.Observe(7); m.State != StateSucceeded {
			t.Errorf("state = %v", m.State)
		}
	})
}
