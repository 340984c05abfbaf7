// Package output provides styled terminal output helpers (success, error,
// warning, entity formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mhartmann/aiw/internal/models"
)

var (
	// Styles
	titleStyle    = lipgloss.NewStyle().Bold(true)
	subtleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	priorityStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	statusStyles  = map[models.Status]lipgloss.Style{
		models.StatusOpen:       lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StatusInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.StatusBlocked:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.StatusClosed:     lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
)

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// FormatStatus formats a status with color
func FormatStatus(s models.Status) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatPriority formats a priority
func FormatPriority(p models.Priority) string {
	return priorityStyle.Render(fmt.Sprintf("[%s]", p))
}

// FormatIssueShort formats an issue in short format
func FormatIssueShort(issue *models.Issue) string {
	var parts []string
	parts = append(parts, titleStyle.Render(issue.EntityID))
	parts = append(parts, FormatPriority(issue.Priority))
	parts = append(parts, issue.Title)

	if len(issue.Labels) > 0 {
		parts = append(parts, subtleStyle.Render(strings.Join(issue.Labels, ",")))
	}

	parts = append(parts, FormatStatus(issue.Status))

	return strings.Join(parts, "  ")
}

// FormatIssueLong formats an issue in long format
func FormatIssueLong(issue *models.Issue) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render(fmt.Sprintf("%s: %s", issue.EntityID, issue.Title)))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Status: %s\n", FormatStatus(issue.Status)))
	sb.WriteString(fmt.Sprintf("Priority: %s", issue.Priority))
	if issue.ProjectID != "" {
		sb.WriteString(fmt.Sprintf(" | Project: %s", issue.ProjectID))
	}
	sb.WriteString("\n")

	if len(issue.Labels) > 0 {
		sb.WriteString(fmt.Sprintf("Labels: %s\n", strings.Join(issue.Labels, ", ")))
	}

	if issue.Body != "" {
		sb.WriteString("\n")
		sb.WriteString(issue.Body)
		sb.WriteString("\n")
	}

	return sb.String()
}

// FormatProjectShort formats a project as one line
func FormatProjectShort(p *models.Project) string {
	var parts []string
	parts = append(parts, titleStyle.Render(p.EntityID))
	parts = append(parts, p.Name)
	if p.Status != "" {
		parts = append(parts, subtleStyle.Render(fmt.Sprintf("[%s]", p.Status)))
	}
	if p.Path != "" {
		parts = append(parts, subtleStyle.Render(p.Path))
	}
	return strings.Join(parts, "  ")
}

// FormatFaqShort formats a FAQ entry as one line
func FormatFaqShort(f *models.FaqEntry) string {
	var parts []string
	parts = append(parts, titleStyle.Render(f.EntityID))
	parts = append(parts, f.Question)
	if f.Category != "" {
		parts = append(parts, subtleStyle.Render(fmt.Sprintf("[%s]", f.Category)))
	}
	if len(f.Tags) > 0 {
		parts = append(parts, subtleStyle.Render(strings.Join(f.Tags, ",")))
	}
	return strings.Join(parts, "  ")
}

// ConflictLine formats a parked conflict as one line for `aiw conflicts`
func ConflictLine(entityID, entityType, kind string, parkedAt time.Time) string {
	kindStr := warningStyle.Render(fmt.Sprintf("[%s]", kind))
	if kind == "edit-after-delete" {
		kindStr = errorStyle.Render(fmt.Sprintf("[%s]", kind))
	}
	return fmt.Sprintf("%s  %s  %s  %s",
		titleStyle.Render(entityID),
		subtleStyle.Render(entityType),
		kindStr,
		subtleStyle.Render(FormatTimeAgo(parkedAt)))
}

// SyncReportLine summarizes a completed sync cycle
func SyncReportLine(pulled, pushed, requeued, parked int) string {
	line := fmt.Sprintf("pulled %d, pushed %d", pulled, pushed)
	if requeued > 0 {
		line += fmt.Sprintf(", requeued %d", requeued)
	}
	if parked > 0 {
		line += ", " + warningStyle.Render(fmt.Sprintf("%d conflict(s) parked", parked))
	}
	return line
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nCONFLICTS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	indent := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}
