package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help in Telegram HTML parse mode.
func (r *Router) helpText(args []string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(args) > 0 {
		c := r.cmds[commandWord(args[0])]
		if c == nil {
			return "❓ <b>Unknown command</b>\nType <code>/help</code> for the list."
		}
		lines := []string{"📚 <b>/" + html.EscapeString(c.Name) + "</b>"}
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "", "<b>Aliases</b> "+html.EscapeString("/"+strings.Join(c.Aliases, ", /")))
		}
		return strings.Join(lines, "\n")
	}

	cmds := make([]*Command, 0, len(r.order))
	for _, c := range r.order {
		if !c.Hidden {
			cmds = append(cmds, c)
		}
	}
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	lines := []string{
		"📚 <b>Admission deadline reminders</b>",
		"Subscribe to a program timeline and get a reminder the day before each deadline.",
		"",
	}
	for _, c := range cmds {
		line := "• <code>/" + html.EscapeString(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += ": " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "Type <code>/help &lt;command&gt;</code> for details.")
	return strings.Join(lines, "\n")
}
