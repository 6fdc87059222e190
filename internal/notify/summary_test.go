package notify

import (
	"strings"
	"testing"
	"time"
)

func TestBuildHTML(t *testing.T) {
	started := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	s := SessionSummary{
		SessionID:    42,
		ChatbotName:  "Sales <Bot>",
		Started:      started,
		Ended:        started.Add(12 * time.Minute),
		MessageCount: 6,
		EndReason:    "timeout",
		Contacts: map[string][]string{
			"email": {"jane@example.com"},
		},
	}

	html := BuildHTML(s)

	if !strings.Contains(html, "#42") {
		t.Fatalf("session id missing")
	}
	if !strings.Contains(html, "Sales &lt;Bot&gt;") {
		t.Fatalf("bot name not escaped: %s", html)
	}
	if !strings.Contains(html, "12m0s") {
		t.Fatalf("duration missing: %s", html)
	}
	if !strings.Contains(html, "jane@example.com") {
		t.Fatalf("contacts missing")
	}

	subject := BuildSubject(s)
	if !strings.Contains(subject, "#42") || !strings.Contains(subject, "Sales <Bot>") {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestDurationFloor(t *testing.T) {
	now := time.Now()
	s := SessionSummary{Started: now, Ended: now.Add(-time.Minute)}
	if s.Duration() != 0 {
		t.Fatalf("negative duration not floored")
	}
}
