package ui

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/remodela-ai/demo-flux-copilot/internal/clipboard"
	"github.com/remodela-ai/demo-flux-copilot/internal/config"
	"github.com/remodela-ai/demo-flux-copilot/internal/debounce"
	"github.com/remodela-ai/demo-flux-copilot/internal/export"
	"github.com/remodela-ai/demo-flux-copilot/internal/highlight"
	"github.com/remodela-ai/demo-flux-copilot/internal/history"
	"github.com/remodela-ai/demo-flux-copilot/internal/ledger"
	"github.com/remodela-ai/demo-flux-copilot/internal/preview"
	"github.com/remodela-ai/demo-flux-copilot/internal/query"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	thumbW      = 14
	thumbH      = 3
	tileW       = thumbW + 2
	tileH       = thumbH + 3
	promptH     = 3
	searchLimit = 500
)

const heroMarkdown = `# Generate images in real-time

Enter a prompt and generate images in milliseconds as you type.`

type Model struct {
	cfg      config.AppConfig
	pipeline *query.Pipeline
	ledger   *ledger.Ledger
	exporter *export.Exporter

	prompt   textarea.Model
	search   textinput.Model
	details  viewport.Model
	help     help.Model
	spinner  spinner.Model
	keys     keyMap
	debounce debounce.Model

	observer query.Observer
	history  *history.Store

	width  int
	height int

	focusOnPrompt bool
	iterative     bool
	spinning      bool
	searchMode    bool
	searchQuery   string
	matched       map[string]bool
	rendering     bool
	renderNonce   int
	activeKey     string
	stripOffset   int

	rendered *lru.Cache[string, renderedView]
	thumbs   map[string]string
	stats    ledger.Stats

	status string
	err    error
}

type renderedView struct {
	image   string
	details string
}

type renderMsg struct {
	cacheKey string
	view     renderedView
	nonce    int
	err      error
}
type thumbMsg struct {
	id   string
	view string
	err  error
}
type statsMsg struct {
	stats ledger.Stats
	err   error
}
type searchMsg struct {
	query string
	ids   []string
	err   error
}
type exportMsg struct {
	path string
	err  error
}
type copyMsg struct {
	err error
}

// NewModel wires the session together. led and exp may be nil, which
// disables search through the ledger and export respectively.
func NewModel(cfg config.AppConfig, p *query.Pipeline, led *ledger.Ledger, exp *export.Exporter) Model {
	ta := textarea.New()
	ta.Placeholder = "Describe the image you want..."
	ta.ShowLineNumbers = false
	ta.CharLimit = 2000
	ta.SetHeight(promptH)
	ta.Focus()

	ti := textinput.New()
	ti.Placeholder = "Search prompts..."
	ti.Prompt = "/ "
	ti.CharLimit = 256

	vp := viewport.New(30, 10)

	h := help.New()
	h.ShowAll = false

	sp := spinner.New()
	sp.Spinner = spinner.Points

	size := cfg.RenderCache
	if size <= 0 {
		size = config.DefaultRenderCache
	}
	rendered, _ := lru.New[string, renderedView](size)

	return Model{
		cfg:      cfg,
		pipeline: p,
		ledger:   led,
		exporter: exp,
		prompt:   ta,
		search:   ti,
		details:  vp,
		help:     h,
		spinner:  sp,
		keys:     defaultKeys(),
		debounce: debounce.New(cfg.Debounce),
		history:  history.New(),

		focusOnPrompt: true,
		iterative:     cfg.Iterative,
		rendered:      rendered,
		thumbs:        make(map[string]string),
	}
}

func (m Model) Init() tea.Cmd {
	return textarea.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		m.ensureVisible()
		cmds = append(cmds, m.renderActive())

	case debounce.TickMsg:
		var changed bool
		m.debounce, changed = m.debounce.Update(msg)
		if changed {
			cmds = append(cmds, m.settle())
		}

	case query.FetchedMsg:
		cmds = append(cmds, m.applyFetched(msg.Key, msg.Entry, msg.Err))

	case renderMsg:
		if msg.nonce != m.renderNonce {
			break
		}
		m.rendering = false
		if msg.err != nil {
			m.err = msg.err
			m.status = "Render failed: " + msg.err.Error()
			break
		}
		m.rendered.Add(msg.cacheKey, msg.view)
		if msg.cacheKey == m.activeKey {
			m.details.SetContent(msg.view.details)
			m.details.GotoTop()
		}

	case thumbMsg:
		// A thumbnail that fails to decode keeps the placeholder tile.
		if msg.err == nil {
			m.thumbs[msg.id] = msg.view
		}

	case statsMsg:
		if msg.err == nil {
			m.stats = msg.stats
		}

	case searchMsg:
		if msg.query != m.searchQuery {
			break
		}
		if msg.err != nil {
			m.err = msg.err
			m.status = "Search failed"
			break
		}
		m.matched = make(map[string]bool, len(msg.ids))
		for _, id := range msg.ids {
			m.matched[id] = true
		}
		m.stripOffset = 0
		m.ensureVisible()

	case exportMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "Export failed: " + msg.err.Error()
		} else {
			m.status = "Exported: " + msg.path
		}

	case copyMsg:
		if msg.err != nil {
			m.err = msg.err
			if errors.Is(msg.err, clipboard.ErrToolNotFound) {
				m.status = "Could not copy: clipboard tool not found"
			} else {
				m.status = "Could not copy: " + msg.err.Error()
			}
		} else {
			m.status = "Copied image data URL to clipboard"
		}

	case spinner.TickMsg:
		if !m.loading() {
			m.spinning = false
			break
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionPress && msg.Button == tea.MouseButtonLeft {
			if idx, ok := m.tileAt(msg.X, msg.Y); ok {
				cmds = append(cmds, m.selectRecord(idx))
			}
		}

	case tea.KeyMsg:
		cmds = append(cmds, m.handleKey(msg))
	}

	if !m.spinning && m.loading() {
		m.spinning = true
		cmds = append(cmds, m.spinner.Tick)
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	if m.searchMode {
		return m.handleSearchKey(msg)
	}

	switch {
	case key.Matches(msg, m.keys.ForceQuit):
		return tea.Quit
	case key.Matches(msg, m.keys.Tab):
		return m.setFocus(!m.focusOnPrompt)
	case key.Matches(msg, m.keys.ToggleMode):
		m.iterative = !m.iterative
		return m.settle()
	}

	if m.focusOnPrompt {
		before := m.prompt.Value()
		var cmd tea.Cmd
		m.prompt, cmd = m.prompt.Update(msg)
		cmds := []tea.Cmd{cmd}
		if after := m.prompt.Value(); after != before {
			var push tea.Cmd
			m.debounce, push = m.debounce.Push(after)
			cmds = append(cmds, push, m.renderActive())
		}
		return tea.Batch(cmds...)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return tea.Quit
	case key.Matches(msg, m.keys.Prev):
		return m.step(-1)
	case key.Matches(msg, m.keys.Next):
		return m.step(1)
	case key.Matches(msg, m.keys.First):
		if visible := m.stripIndices(); len(visible) > 0 {
			return m.selectRecord(visible[0])
		}
	case key.Matches(msg, m.keys.Last):
		if visible := m.stripIndices(); len(visible) > 0 {
			return m.selectRecord(visible[len(visible)-1])
		}
	case key.Matches(msg, m.keys.Up):
		m.details.LineUp(1)
	case key.Matches(msg, m.keys.Down):
		m.details.LineDown(1)
	case key.Matches(msg, m.keys.Search):
		m.searchMode = true
		m.search.SetValue(m.searchQuery)
		m.search.CursorEnd()
		return m.search.Focus()
	case key.Matches(msg, m.keys.Esc):
		m.clearSearch()
	case key.Matches(msg, m.keys.Export):
		return m.exportCmd()
	case key.Matches(msg, m.keys.Copy):
		return m.copyCmd()
	}
	return nil
}

func (m *Model) handleSearchKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c":
		return tea.Quit
	case "esc":
		m.searchMode = false
		m.search.Blur()
		m.clearSearch()
		return nil
	case "enter":
		m.searchMode = false
		m.search.Blur()
		m.searchQuery = strings.TrimSpace(m.search.Value())
		if m.searchQuery == "" {
			m.clearSearch()
			return nil
		}
		return m.searchCmd(m.searchQuery)
	}
	var cmd tea.Cmd
	m.search, cmd = m.search.Update(msg)
	return cmd
}

func (m *Model) clearSearch() {
	m.searchQuery = ""
	m.matched = nil
	m.search.SetValue("")
	m.stripOffset = 0
	m.ensureVisible()
}

func (m *Model) setFocus(prompt bool) tea.Cmd {
	m.focusOnPrompt = prompt
	if prompt {
		return m.prompt.Focus()
	}
	m.prompt.Blur()
	return nil
}

func (m Model) loading() bool {
	return m.observer.Fetching() || m.debounce.Pending()
}

// settle points the observer at the settled prompt in the current mode and
// starts a fetch when the key needs one. Cached keys resolve immediately.
func (m *Model) settle() tea.Cmd {
	k := query.Key{Prompt: m.debounce.Settled(), Iterative: m.iterative}
	if !m.observer.SetKey(k) {
		return nil
	}
	if e, ok := m.pipeline.Cached(k); ok {
		return m.applyFetched(k, e, nil)
	}
	m.status = "Generating..."
	return m.pipeline.Cmd(k)
}

// applyFetched records a finished fetch. Every success lands in history once
// per request identity; only the result for the observed key becomes active.
func (m *Model) applyFetched(k query.Key, e *query.Entry, err error) tea.Cmd {
	current := m.observer.Resolve(k, e, err)
	if err != nil {
		if current {
			m.status = "Generation failed"
		}
		return m.statsCmd()
	}
	if e == nil {
		return nil
	}

	var (
		idx      int
		appended bool
	)
	if current {
		idx, appended = m.history.Append(e)
	} else {
		idx, appended = m.history.Add(e)
	}

	cmds := []tea.Cmd{m.statsCmd()}
	if appended {
		cmds = append(cmds, m.thumbCmd(idx))
	}
	if current {
		if appended {
			m.status = fmt.Sprintf("Generated in %s", e.Image.Inference().Round(time.Millisecond))
		} else {
			m.status = "Loaded from cache"
		}
		m.ensureVisible()
		cmds = append(cmds, m.renderActive())
	}
	return tea.Batch(cmds...)
}

func (m *Model) step(delta int) tea.Cmd {
	visible := m.stripIndices()
	if len(visible) == 0 {
		return nil
	}
	pos := -1
	if active, ok := m.history.ActiveIndex(); ok {
		pos = slices.Index(visible, active)
	}
	switch {
	case pos < 0 && delta < 0:
		pos = len(visible) - 1
	case pos < 0:
		pos = 0
	default:
		pos = min(max(pos+delta, 0), len(visible)-1)
	}
	return m.selectRecord(visible[pos])
}

func (m *Model) selectRecord(idx int) tea.Cmd {
	if err := m.history.Select(idx); err != nil {
		m.err = err
		return nil
	}
	m.ensureVisible()
	return m.renderActive()
}

// stripIndices lists the history positions shown in the strip, narrowed to
// search matches while a search is applied.
func (m Model) stripIndices() []int {
	out := make([]int, 0, m.history.Len())
	for i, rec := range m.history.Records() {
		if m.matched != nil && !m.matched[rec.ID] {
			continue
		}
		out = append(out, i)
	}
	return out
}

func (m *Model) ensureVisible() {
	visible := m.stripIndices()
	per := m.tilesPerRow()
	if active, ok := m.history.ActiveIndex(); ok {
		if pos := slices.Index(visible, active); pos >= 0 {
			if pos < m.stripOffset {
				m.stripOffset = pos
			}
			if pos >= m.stripOffset+per {
				m.stripOffset = pos - per + 1
			}
		}
	}
	m.stripOffset = min(m.stripOffset, max(len(visible)-per, 0))
	m.stripOffset = max(m.stripOffset, 0)
}

func (m Model) tilesPerRow() int {
	return max((m.width-2)/tileW, 1)
}

func (m Model) tileAt(x, y int) (int, bool) {
	top := m.stripTop()
	if x < 0 || y < top || y >= top+tileH {
		return 0, false
	}
	col := x / tileW
	if col >= m.tilesPerRow() {
		return 0, false
	}
	visible := m.stripIndices()
	pos := m.stripOffset + col
	if pos >= len(visible) {
		return 0, false
	}
	return visible[pos], true
}

// renderActive points the image and details panes at the active record, or
// the hero when there is none or the prompt is empty. Renders run off the
// update loop and are cached per record and pane size. The position within
// the history is drawn by the view, so appends leave cached renders valid.
func (m *Model) renderActive() tea.Cmd {
	w, h := m.imageSize()
	if w <= 0 || h <= 0 {
		return nil
	}
	rec, ok := m.history.Active()
	hero := !ok || m.prompt.Value() == ""

	cacheKey := fmt.Sprintf("hero|%d|%d", w, h)
	if !hero {
		cacheKey = fmt.Sprintf("%s|%d|%d", rec.ID, w, h)
	}
	m.activeKey = cacheKey
	if v, ok := m.rendered.Get(cacheKey); ok {
		m.details.SetContent(v.details)
		return nil
	}

	m.rendering = true
	m.renderNonce++
	nonce := m.renderNonce
	wrap := max(m.details.Width-2, 20)
	if hero {
		return renderHeroCmd(cacheKey, w, h, wrap, nonce)
	}
	return renderRecordCmd(cacheKey, rec, w, h, wrap, nonce)
}

func renderHeroCmd(cacheKey string, w, h, wrap, nonce int) tea.Cmd {
	return func() tea.Msg {
		return renderMsg{
			cacheKey: cacheKey,
			view: renderedView{
				image:   renderMarkdown(heroMarkdown, min(w, 80)),
				details: renderMarkdown("_No generation selected._", wrap),
			},
			nonce: nonce,
		}
	}
}

func renderRecordCmd(cacheKey string, rec history.Record, w, h, wrap, nonce int) tea.Cmd {
	return func() tea.Msg {
		img, err := rec.Image.Decode()
		if err != nil {
			return renderMsg{cacheKey: cacheKey, nonce: nonce, err: err}
		}
		b := img.Bounds()
		md := recordMarkdown(rec, b.Dx(), b.Dy())
		return renderMsg{
			cacheKey: cacheKey,
			view: renderedView{
				image:   preview.Render(img, w, h),
				details: renderMarkdown(md, wrap),
			},
			nonce: nonce,
		}
	}
}

func renderMarkdown(md string, wrap int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(config.DefaultGlamourStyle),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

func recordMarkdown(rec history.Record, w, h int) string {
	mode := "off"
	if rec.Key.Iterative {
		mode = "on"
	}
	var b strings.Builder
	b.WriteString("> " + oneLine(rec.Prompt) + "\n\n")
	fmt.Fprintf(&b, "- **Consistency mode:** %s\n", mode)
	fmt.Fprintf(&b, "- **Inference:** %s\n", rec.Image.Inference().Round(time.Millisecond))
	fmt.Fprintf(&b, "- **Size:** %d×%d\n", w, h)
	fmt.Fprintf(&b, "- **Request:** `%s`\n", rec.ID)
	return b.String()
}

func (m Model) thumbCmd(idx int) tea.Cmd {
	rec, ok := m.history.At(idx)
	if !ok {
		return nil
	}
	return func() tea.Msg {
		img, err := rec.Image.Decode()
		if err != nil {
			return thumbMsg{id: rec.ID, err: err}
		}
		return thumbMsg{id: rec.ID, view: preview.Render(img, thumbW, thumbH)}
	}
}

func (m Model) statsCmd() tea.Cmd {
	if m.ledger == nil {
		return nil
	}
	led := m.ledger
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s, err := led.Stats(ctx)
		return statsMsg{stats: s, err: err}
	}
}

func (m Model) searchCmd(q string) tea.Cmd {
	if m.ledger == nil {
		terms := ledger.TokenizeSearchTerms(q)
		var ids []string
		for _, rec := range m.history.Records() {
			if highlight.Matches(rec.Prompt, terms) {
				ids = append(ids, rec.ID)
			}
		}
		return func() tea.Msg { return searchMsg{query: q, ids: ids} }
	}
	led := m.ledger
	return func() tea.Msg {
		attempts, err := led.Search(q, searchLimit)
		ids := make([]string, 0, len(attempts))
		for _, a := range attempts {
			ids = append(ids, a.RequestID)
		}
		return searchMsg{query: q, ids: ids, err: err}
	}
}

func (m *Model) exportCmd() tea.Cmd {
	rec, ok := m.history.Active()
	if !ok {
		m.status = "Nothing to export"
		return nil
	}
	if m.exporter == nil {
		m.status = "Export is disabled"
		return nil
	}
	exp := m.exporter
	return func() tea.Msg {
		path, err := exp.Export(rec)
		return exportMsg{path: path, err: err}
	}
}

func (m *Model) copyCmd() tea.Cmd {
	rec, ok := m.history.Active()
	if !ok {
		m.status = "Nothing to copy"
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return copyMsg{err: clipboard.Copy(ctx, []byte(rec.Image.DataURL()))}
	}
}

func (m *Model) resize() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	_, right := m.paneWidths()
	m.prompt.SetWidth(max(m.width-4, 10))
	m.details.Width = max(right-4, 1)
	m.details.Height = max(m.bodyHeight()-3, 1)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func shorten(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

type keyMap struct {
	Up         key.Binding
	Down       key.Binding
	Prev       key.Binding
	Next       key.Binding
	First      key.Binding
	Last       key.Binding
	Tab        key.Binding
	ToggleMode key.Binding
	Search     key.Binding
	Esc        key.Binding
	Export     key.Binding
	Copy       key.Binding
	Quit       key.Binding
	ForceQuit  key.Binding

	promptFocused bool
}

func defaultKeys() keyMap {
	return keyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "scroll details"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "scroll details"),
		),
		Prev: key.NewBinding(
			key.WithKeys("left", "h"),
			key.WithHelp("←/h", "previous"),
		),
		Next: key.NewBinding(
			key.WithKeys("right", "l"),
			key.WithHelp("→/l", "next"),
		),
		First: key.NewBinding(
			key.WithKeys("home"),
			key.WithHelp("home", "first"),
		),
		Last: key.NewBinding(
			key.WithKeys("end"),
			key.WithHelp("end", "latest"),
		),
		Tab: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "toggle focus"),
		),
		ToggleMode: key.NewBinding(
			key.WithKeys("ctrl+t"),
			key.WithHelp("ctrl+t", "consistency mode"),
		),
		Search: key.NewBinding(
			key.WithKeys("/"),
			key.WithHelp("/", "search"),
		),
		Esc: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "clear search"),
		),
		Export: key.NewBinding(
			key.WithKeys("e"),
			key.WithHelp("e", "export png"),
		),
		Copy: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "copy data url"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q"),
			key.WithHelp("q", "quit"),
		),
		ForceQuit: key.NewBinding(
			key.WithKeys("ctrl+c"),
			key.WithHelp("ctrl+c", "quit"),
		),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	if k.promptFocused {
		return []key.Binding{k.Tab, k.ToggleMode, k.ForceQuit}
	}
	return []key.Binding{k.Prev, k.Next, k.Tab, k.ToggleMode, k.Search, k.Copy, k.Export, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Prev, k.Next, k.First, k.Last, k.Up, k.Down},
		{k.Tab, k.ToggleMode, k.Search, k.Esc},
		{k.Export, k.Copy, k.Quit, k.ForceQuit},
	}
}
