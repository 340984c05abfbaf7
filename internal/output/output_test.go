package output

import (
	"strings"
	"testing"
	"time"

	"github.com/mhartmann/aiw/internal/models"
)

func TestFormatTimeAgo(t *testing.T) {
	now := time.Now()
	tests := []struct {
		tm       time.Time
		expected string
	}{
		{now.Add(-30 * time.Second), "just now"},
		{now.Add(-2 * time.Minute), "2m ago"},
		{now.Add(-3 * time.Hour), "3h ago"},
		{now.Add(-48 * time.Hour), "2d ago"},
	}

	for _, tc := range tests {
		if got := FormatTimeAgo(tc.tm); got != tc.expected {
			t.Errorf("FormatTimeAgo(%v) = %q, want %q", tc.tm, got, tc.expected)
		}
	}
}

func TestFormatTimeAgoOldDates(t *testing.T) {
	old := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	if got := FormatTimeAgo(old); got != "2024-03-15" {
		t.Errorf("FormatTimeAgo(old) = %q, want date format", got)
	}
}

func TestFormatIssueShortContainsFields(t *testing.T) {
	issue := &models.Issue{
		EntityID: "is_abc1",
		Title:    "Fix flaky deploy",
		Status:   models.StatusOpen,
		Priority: models.PriorityP1,
		Labels:   []string{"infra"},
	}

	line := FormatIssueShort(issue)
	for _, want := range []string{"is_abc1", "Fix flaky deploy", "P1", "infra", "open"} {
		if !strings.Contains(line, want) {
			t.Errorf("FormatIssueShort missing %q in %q", want, line)
		}
	}
}

func TestSyncReportLine(t *testing.T) {
	line := SyncReportLine(5, 2, 0, 0)
	if !strings.Contains(line, "pulled 5") || !strings.Contains(line, "pushed 2") {
		t.Errorf("unexpected report line: %q", line)
	}
	if strings.Contains(line, "requeued") {
		t.Errorf("report line should omit zero requeues: %q", line)
	}

	line = SyncReportLine(1, 1, 2, 1)
	if !strings.Contains(line, "requeued 2") || !strings.Contains(line, "parked") {
		t.Errorf("unexpected report line: %q", line)
	}
}

func TestRenderMarkdownEmpty(t *testing.T) {
	got, err := RenderMarkdown("   \n  ")
	if err != nil {
		t.Fatalf("RenderMarkdown failed: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty render, got %q", got)
	}
}

func TestIndentString(t *testing.T) {
	got := IndentString("a\nb", 2)
	if got != "  a\n  b" {
		t.Errorf("IndentString = %q", got)
	}
	if IndentString("", 2) != "" {
		t.Error("expected empty string unchanged")
	}
}
