package conflicts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mhartmann/aiw/internal/output"
	"github.com/mhartmann/aiw/internal/store"
)

// renderView draws the active screen
func (m Model) renderView() string {
	if m.Width > 0 && m.Width < MinWidth {
		return "Terminal too narrow. Resize to at least 40 columns.\n"
	}

	switch m.Mode {
	case ModeDetail, ModeConfirm:
		return m.renderDetailScreen()
	default:
		return m.renderListScreen()
	}
}

// renderListScreen draws the conflict list
func (m Model) renderListScreen() string {
	var sb strings.Builder

	sb.WriteString(headerStyle.Render(fmt.Sprintf(" Conflicts (%d) ", len(m.Conflicts))))
	sb.WriteString("\n\n")

	if m.Err != nil {
		sb.WriteString(errorStyle.Render("error: " + m.Err.Error()))
		sb.WriteString("\n\n")
	}

	if len(m.Conflicts) == 0 {
		sb.WriteString(subtleStyle.Render("No parked conflicts. Everything is in sync."))
		sb.WriteString("\n\n")
		sb.WriteString(helpStyle.Render("q quit  R refresh"))
		return sb.String()
	}

	for i, c := range m.Conflicts {
		line := fmt.Sprintf("%s  %s  %s  %s",
			c.EntityID,
			subtleStyle.Render(c.EntityType),
			formatKind(c.Kind),
			subtleStyle.Render(output.FormatTimeAgo(c.ParkedAt)))
		if i == m.Cursor {
			line = selectedStyle.Render("> ") + line
		} else {
			line = "  " + line
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	if m.StatusMsg != "" {
		sb.WriteString("\n")
		sb.WriteString(statusStyle.Render(m.StatusMsg))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(helpStyle.Render("enter view  l keep local  r keep remote  d dismiss  j/k move  q quit"))
	return sb.String()
}

// renderDetailScreen draws the selected conflict with both payloads
func (m Model) renderDetailScreen() string {
	if len(m.Conflicts) == 0 {
		return m.renderListScreen()
	}
	c := m.Conflicts[m.Cursor]

	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf(" %s %s ", c.EntityID, formatKind(c.Kind))))
	sb.WriteString("\n")
	sb.WriteString(m.Detail.View())
	sb.WriteString("\n")

	if m.Mode == ModeConfirm && m.Pending != nil {
		sb.WriteString(confirmStyle.Render(fmt.Sprintf("%s for %s? (y/n)", m.Pending.verb, m.Pending.entityID)))
		sb.WriteString("\n")
	} else if c.Kind == store.ConflictEditAfterDelete {
		sb.WriteString(helpStyle.Render("deleted remotely: d dismiss  j/k scroll  esc back"))
	} else {
		sb.WriteString(helpStyle.Render("l keep local  r keep remote  d dismiss  j/k scroll  esc back"))
	}
	return sb.String()
}

// renderDetail builds the markdown body shown in the detail viewport.
func renderDetail(c store.ParkedConflict, width int) string {
	var md strings.Builder
	md.WriteString(fmt.Sprintf("**Type:** %s  \n**Base version:** %d  \n**Remote version:** %d\n\n",
		c.EntityType, c.BaseVersion, c.RemoteVersion))

	md.WriteString("## Local\n\n")
	if c.Kind == store.ConflictEditAfterDelete {
		md.WriteString("_This local edit has no surviving target; the entity was deleted remotely._\n\n")
	}
	md.WriteString("```json\n" + prettyJSON(c.LocalPayload) + "\n```\n\n")

	md.WriteString("## Remote\n\n")
	md.WriteString("```json\n" + prettyJSON(c.RemotePayload) + "\n```\n")

	rendered, err := output.RenderMarkdownWithWidth(md.String(), width)
	if err != nil {
		return md.String()
	}
	return rendered
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
