package tgui

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBuilderEscapesAndAttachesButtons(t *testing.T) {
	t.Parallel()
	text, opt, err := New().
		Title("📋", "Subs <1>").
		Ref(3, "A&B University").
		Row(Btn("Notes", DataID("sub", "notes", 3)), Btn("Cancel", DataID("sub", "cancel", 3))).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(text, "<b>Subs &lt;1&gt;</b>") || !strings.Contains(text, "<b>#3</b> A&amp;B University") {
		t.Fatalf("text:\n%s", text)
	}
	if opt.ParseMode != "HTML" || !opt.DisablePreview || len(opt.Keyboard) != 1 || opt.Keyboard[0][1].Data != "sub:cancel:3" {
		t.Fatalf("opt=%+v", opt)
	}
}

func TestBuilderListsDeadlinesAndReminders(t *testing.T) {
	t.Parallel()
	deadline := time.Date(2025, 7, 20, 0, 0, 0, 0, time.UTC)
	text, _, err := New().
		Deadline(deadline, "Documents <originals>").
		Reminder(time.Date(2025, 7, 17, 9, 30, 0, 0, time.UTC), "Documents", deadline).
		Blank().
		Hint("Subscribe", "/subscribe 1 2").
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := strings.Join([]string{
		"• <b>20.07.2025</b>: Documents &lt;originals&gt;",
		"• <b>17.07.2025 09:30</b>: Documents (deadline 20.07.2025)",
		"",
		"Subscribe: <code>/subscribe 1 2</code>",
	}, "\n")
	if text != want {
		t.Fatalf("text:\n%s\nwant:\n%s", text, want)
	}
}

func TestBuilderClipsLongValues(t *testing.T) {
	t.Parallel()
	text, _, err := New().KV("k", strings.Repeat("я", MaxValueRunes+5)).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if want := "• <b>k</b>: " + strings.Repeat("я", MaxValueRunes) + "…"; text != want {
		t.Fatalf("text=%q", text)
	}
}

func TestBuilderRejectsLongCallbackData(t *testing.T) {
	t.Parallel()
	_, _, err := New().Row(Btn("x", Data("s", "a", strings.Repeat("p", 64)))).Build()
	if !errors.Is(err, ErrCallbackDataTooLong) {
		t.Fatalf("err=%v", err)
	}
}

func TestClip(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"привет", 2, "пр…"},
		{"x", 0, ""},
	}
	for _, c := range cases {
		if got := clip(c.in, c.n); got != c.want {
			t.Fatalf("clip(%q,%d)=%q want %q", c.in, c.n, got, c.want)
		}
	}
}
