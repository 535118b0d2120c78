package ui

import (
	"fmt"
	"strings"

	"github.com/remodela-ai/demo-flux-copilot/internal/highlight"
	"github.com/remodela-ai/demo-flux-copilot/internal/history"
	"github.com/remodela-ai/demo-flux-copilot/internal/ledger"
	"github.com/remodela-ai/demo-flux-copilot/internal/preview"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// Layout from top to bottom: status line, prompt panel, image and details
// panes, thumbnail strip, help.
const promptPanelH = promptH + 3

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Starting..."
	}

	left, right := m.paneWidths()
	bodyH := m.bodyHeight()
	w, h := m.imageSize()

	promptPane := panelStyle(m.focusOnPrompt).
		Width(m.width - 2).
		Render(lipgloss.JoinVertical(lipgloss.Left, m.prompt.View(), m.modeLine()))

	imagePane := panelStyle(false).
		Width(left - 2).
		Height(bodyH - 2).
		MaxHeight(bodyH).
		Render(lipgloss.Place(w, h, lipgloss.Center, lipgloss.Center, m.imageView()))
	detailsPane := panelStyle(false).
		Width(right - 2).
		Height(bodyH - 2).
		MaxHeight(bodyH).
		Render(lipgloss.JoinVertical(lipgloss.Left, m.positionLine(), m.details.View()))
	body := lipgloss.JoinHorizontal(lipgloss.Top, imagePane, detailsPane)

	strip := lipgloss.NewStyle().Height(tileH).MaxHeight(tileH).Render(m.stripView())

	keys := m.keys
	keys.promptFocused = m.focusOnPrompt
	helpView := m.help.View(keys)
	if m.searchMode {
		helpView = m.search.View() + "  " + helpView
	} else if m.searchQuery != "" {
		helpView = "search: " + m.searchQuery + "  " + helpView
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.statusLine(),
		promptPane,
		body,
		strip,
		helpView,
	)
}

func (m Model) modeLine() string {
	box := "[ ]"
	if m.iterative {
		box = "[x]"
	}
	line := modeStyle.Render(box + " consistency mode")
	if m.loading() {
		line += "  " + m.spinner.View() + " generating"
		if _, placeholder := m.observer.Data(); placeholder {
			line += dimStyle.Render(" (showing previous result)")
		}
	}
	return line
}

func (m Model) imageView() string {
	if v, ok := m.rendered.Peek(m.activeKey); ok {
		return v.image
	}
	if m.rendering {
		return dimStyle.Render("Rendering...")
	}
	return ""
}

// positionLine heads the details pane with the active record's place in the
// history. It is kept out of the cached render so new records do not
// invalidate it.
func (m Model) positionLine() string {
	if strings.HasPrefix(m.activeKey, "hero|") {
		return ""
	}
	idx, ok := m.history.ActiveIndex()
	if !ok {
		return ""
	}
	return modeStyle.Bold(true).Render(fmt.Sprintf("Generation %d of %d", idx+1, m.history.Len()))
}

func (m Model) stripView() string {
	visible := m.stripIndices()
	if len(visible) == 0 {
		msg := "No generations yet"
		if m.matched != nil {
			msg = "No generations match the search"
		}
		return dimStyle.Padding(1, 2).Render(msg)
	}

	active, hasActive := m.history.ActiveIndex()
	offset := min(m.stripOffset, len(visible)-1)
	end := min(offset+m.tilesPerRow(), len(visible))
	terms := ledger.TokenizeSearchTerms(m.searchQuery)

	tiles := make([]string, 0, end-offset)
	for _, idx := range visible[offset:end] {
		rec, _ := m.history.At(idx)
		tiles = append(tiles, m.tileView(rec, hasActive && idx == active, terms))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tiles...)
}

func (m Model) tileView(rec history.Record, active bool, terms []string) string {
	thumb := m.thumbs[rec.ID]
	if thumb == "" {
		thumb = preview.Placeholder(thumbW, thumbH, 0, 0)
	}
	thumb = lipgloss.Place(thumbW, thumbH, lipgloss.Center, lipgloss.Center, thumb)

	caption := ansi.Truncate(oneLine(rec.Prompt), thumbW, "…")
	if len(terms) > 0 {
		caption = highlight.Terms(caption, terms, func(s string) string { return searchMatchStyle.Render(s) }).Text
	}
	return tileStyle(active, !m.focusOnPrompt).
		Width(thumbW).
		Render(lipgloss.JoinVertical(lipgloss.Left, thumb, caption))
}

func (m Model) statusLine() string {
	status := fmt.Sprintf("records=%d", m.history.Len())
	if idx, ok := m.history.ActiveIndex(); ok {
		status += fmt.Sprintf("  active=%d/%d", idx+1, m.history.Len())
	}
	if m.iterative {
		status += "  [consistency]"
	}
	if m.stats.Requests > 0 {
		status += fmt.Sprintf("  requests=%d failures=%d avg=%.0fms",
			m.stats.Requests, m.stats.Failures, m.stats.MeanInferenceMS)
	}
	if m.searchQuery != "" || m.searchMode {
		status += "  [search]"
		if m.matched != nil {
			status += fmt.Sprintf("  [match %d]", len(m.stripIndices()))
		}
	}
	if m.rendering {
		status += "  [rendering]"
	}
	if strings.TrimSpace(m.status) != "" {
		status += "  " + shorten(strings.TrimSpace(m.status), 80)
	}
	err := m.observer.Err()
	if err == nil {
		err = m.err
	}
	if err != nil {
		status += "  err=" + err.Error()
	}
	return statusStyle.Render(ansi.Truncate(status, max(m.width-2, 1), "…"))
}

func (m Model) paneWidths() (int, int) {
	right := m.width / 3
	if right < 28 {
		right = 28
	}
	if right > m.width-24 {
		right = m.width - 24
	}
	if right < 10 {
		right = 10
	}
	return m.width - right, right
}

func (m Model) bodyHeight() int {
	return max(m.height-1-promptPanelH-tileH-1, 6)
}

func (m Model) stripTop() int {
	return 1 + promptPanelH + m.bodyHeight()
}

// imageSize is the cell area inside the image pane.
func (m Model) imageSize() (int, int) {
	left, _ := m.paneWidths()
	return left - 4, m.bodyHeight() - 2
}

var (
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("24")).
			Padding(0, 1)
	searchMatchStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("16")).
				Background(lipgloss.Color("220"))
	modeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func panelStyle(active bool) lipgloss.Style {
	border := lipgloss.NormalBorder()
	if active {
		return lipgloss.NewStyle().
			Border(border, true).
			BorderForeground(lipgloss.Color("39")).
			Padding(0, 1)
	}
	return lipgloss.NewStyle().
		Border(border, true).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)
}

func tileStyle(active, focused bool) lipgloss.Style {
	color := lipgloss.Color("240")
	switch {
	case active && focused:
		color = lipgloss.Color("39")
	case active:
		color = lipgloss.Color("252")
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder(), true).
		BorderForeground(color)
}
