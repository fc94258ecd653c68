package adapter

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "deadlinebot/internal/transport"
)

func TestSplitTextShortPassesThrough(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextRespectsLimitInRunes(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("я", 25)
	got := splitText(s, 10, "")
	if len(got) != 3 {
		t.Fatalf("chunks=%d want 3", len(got))
	}
	for i, c := range got {
		if n := len([]rune(c)); n > 10 {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
	}
	if strings.Join(got, "") != s {
		t.Fatalf("content lost")
	}
}

func TestSplitTextAvoidsCuttingHTMLTags(t *testing.T) {
	t.Parallel()
	s := "abcdefg<b>bold</b>"
	got := splitText(s, 9, "HTML")
	if got[0] != "abcdefg" {
		t.Fatalf("first chunk %q", got[0])
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	if err := mapError(nil); err != nil {
		t.Fatalf("nil mapped to %v", err)
	}

	err := mapError(fmt.Errorf("send: %w", tele.ErrBlockedByUser))
	if !errors.Is(err, kit.ErrChatUnavailable) {
		t.Fatalf("blocked user not unavailable: %v", err)
	}

	err = mapError(tele.FloodError{RetryAfter: 7})
	var fe *kit.FloodError
	if !errors.As(err, &fe) || fe.RetryAfter != 7*time.Second {
		t.Fatalf("flood not mapped: %v", err)
	}

	other := errors.New("boom")
	if err := mapError(other); err != other {
		t.Fatalf("unrelated error rewritten: %v", err)
	}
}

func TestKeyboardBuildsInlineRows(t *testing.T) {
	t.Parallel()
	rm := keyboard([][]kit.Button{
		{{Text: "Notes", Data: "sub:notes:1"}, {Text: "Cancel", Data: "sub:cancel:1"}},
	})
	if len(rm.InlineKeyboard) != 1 || len(rm.InlineKeyboard[0]) != 2 {
		t.Fatalf("keyboard shape %+v", rm.InlineKeyboard)
	}
	if rm.InlineKeyboard[0][1].Data != "sub:cancel:1" {
		t.Fatalf("data %q", rm.InlineKeyboard[0][1].Data)
	}
}
