package tgui

import (
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	kit "deadlinebot/internal/transport"
)

// MaxValueRunes caps list values such as event names.
const MaxValueRunes = 120

const (
	dateLayout     = "02.01.2006"
	dateTimeLayout = "02.01.2006 15:04"
)

// Builder assembles an HTML message and its inline keyboard. All text
// passed in is escaped. Preview is disabled.
type Builder struct {
	lines []string
	rows  [][]kit.Button
	err   error
}

func New() *Builder { return &Builder{} }

func bold(s string) string { return "<b>" + html.EscapeString(s) + "</b>" }

// Title adds a bold title line with an optional emoji.
func (b *Builder) Title(emoji, title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if e := strings.TrimSpace(emoji); e != "" {
		t = html.EscapeString(e) + " " + bold(t)
	} else {
		t = bold(t)
	}
	b.lines = append(b.lines, t)
	return b
}

// Line adds an escaped line; an empty string adds a blank line.
func (b *Builder) Line(s string) *Builder {
	b.lines = append(b.lines, html.EscapeString(s))
	return b
}

func (b *Builder) Blank() *Builder { return b.Line("") }

// KV adds a "• key: value" row. Long values are clipped.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	if key == "" {
		return b
	}
	v := clip(strings.TrimSpace(value), MaxValueRunes)
	b.lines = append(b.lines, "• "+bold(key)+": "+html.EscapeString(v))
	return b
}

// Deadline lists one event under its deadline date.
func (b *Builder) Deadline(at time.Time, name string) *Builder {
	return b.KV(at.Format(dateLayout), name)
}

// Reminder lists one pending reminder: when it is sent and for which
// deadline.
func (b *Builder) Reminder(sendAt time.Time, event string, deadline time.Time) *Builder {
	return b.KV(sendAt.Format(dateTimeLayout), fmt.Sprintf("%s (deadline %s)", event, deadline.Format(dateLayout)))
}

// Ref adds a "#id title" heading for a listed record.
func (b *Builder) Ref(id int64, title string) *Builder {
	b.lines = append(b.lines, bold(fmt.Sprintf("#%d", id))+" "+html.EscapeString(clip(title, MaxValueRunes)))
	return b
}

// Hint adds "label: <code>command</code>" so the command can be copied.
func (b *Builder) Hint(label, command string) *Builder {
	b.lines = append(b.lines, html.EscapeString(label)+": <code>"+html.EscapeString(command)+"</code>")
	return b
}

// Row adds a row of inline buttons. Oversized callback data is recorded
// and reported by Build.
func (b *Builder) Row(btns ...kit.Button) *Builder {
	row := make([]kit.Button, 0, len(btns))
	for _, btn := range btns {
		if err := CheckData(btn.Data); err != nil && b.err == nil {
			b.err = err
		}
		row = append(row, btn)
	}
	if len(row) > 0 {
		b.rows = append(b.rows, row)
	}
	return b
}

func Btn(text, data string) kit.Button { return kit.Button{Text: text, Data: data} }

func (b *Builder) Build() (string, *kit.SendOptions, error) {
	if b.err != nil {
		return "", nil, b.err
	}
	return strings.Join(b.lines, "\n"), &kit.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
		Keyboard:       b.rows,
	}, nil
}

// clip cuts s to n runes and marks the cut with an ellipsis.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
