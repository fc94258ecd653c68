package notifier

import (
	"fmt"
	"strings"
	"time"
)

// reminderText is the message sent for one event.
func reminderText(program, event string, deadline time.Time) string {
	var b strings.Builder
	b.WriteString("⏰ Reminder\n")
	if program != "" {
		fmt.Fprintf(&b, "%s\n", program)
	}
	fmt.Fprintf(&b, "%s: deadline %s", event, deadline.Format("02.01.2006"))
	return b.String()
}
