package notify

import (
	"fmt"
	"html"
	"strings"
	"time"
)

// SessionSummary is everything the notifier needs to compose the mail.
type SessionSummary struct {
	SessionID    uint64
	ChatbotName  string
	Started      time.Time
	Ended        time.Time
	MessageCount int
	EndReason    string
	Contacts     map[string][]string
}

// Duration reports the conversation length, floored at zero.
func (s SessionSummary) Duration() time.Duration {
	d := s.Ended.Sub(s.Started)
	if d < 0 {
		return 0
	}
	return d
}

// BuildSubject builds the notification mail subject line.
func BuildSubject(s SessionSummary) string {
	return fmt.Sprintf("Chat session #%d with %s ended", s.SessionID, s.ChatbotName)
}

// BuildHTML renders the notification body.
func BuildHTML(s SessionSummary) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<body>\n")
	fmt.Fprintf(&b, "<h2>Chat session ended: %s</h2>\n", html.EscapeString(s.ChatbotName))
	b.WriteString("<ul>\n")
	fmt.Fprintf(&b, "<li>Session: #%d</li>\n", s.SessionID)
	fmt.Fprintf(&b, "<li>Started: %s</li>\n", s.Started.UTC().Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "<li>Duration: %s</li>\n", s.Duration().Round(time.Second))
	fmt.Fprintf(&b, "<li>Messages: %d</li>\n", s.MessageCount)
	fmt.Fprintf(&b, "<li>End reason: %s</li>\n", html.EscapeString(s.EndReason))
	b.WriteString("</ul>\n")

	if len(s.Contacts) > 0 {
		b.WriteString("<h3>Contacts shared</h3>\n<ul>\n")
		for kind, values := range s.Contacts {
			for _, v := range values {
				fmt.Fprintf(&b, "<li>%s: %s</li>\n", html.EscapeString(kind), html.EscapeString(v))
			}
		}
		b.WriteString("</ul>\n")
	}

	b.WriteString("</body>\n</html>\n")
	return b.String()
}
