package ui

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/remodela-ai/demo-flux-copilot/internal/config"
	"github.com/remodela-ai/demo-flux-copilot/internal/debounce"
	"github.com/remodela-ai/demo-flux-copilot/internal/generate"
	"github.com/remodela-ai/demo-flux-copilot/internal/query"

	tea "github.com/charmbracelet/bubbletea"
)

type fakeGenerator struct {
	mu       sync.Mutex
	requests []generate.Request
	fail     func(generate.Request) error
}

func (f *fakeGenerator) Generate(_ context.Context, req generate.Request) (*generate.Image, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(req); err != nil {
			return nil, err
		}
	}
	return &generate.Image{B64JSON: testPNG(8, 6), Timings: generate.Timings{Inference: 42}}, nil
}

func (f *fakeGenerator) seen() []generate.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]generate.Request(nil), f.requests...)
}

func testPNG(w, h int) string {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: 90, B: uint8(y * 40), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newTestModel(t *testing.T, gen *fakeGenerator, delay time.Duration) Model {
	t.Helper()
	p, err := query.New(gen)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	m := NewModel(config.AppConfig{Debounce: delay}, p, nil, nil)
	m, _ = update(m, tea.WindowSizeMsg{Width: 120, Height: 40})
	return m
}

func update(m Model, msg tea.Msg) (Model, tea.Cmd) {
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func typeText(m Model, s string) (Model, tea.Cmd) {
	return update(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)})
}

// await runs cmd and everything it batches, returning the first message
// accepted by want. Commands that never finish in time are abandoned.
func await(t *testing.T, cmd tea.Cmd, want func(tea.Msg) bool) tea.Msg {
	t.Helper()
	out := make(chan tea.Msg, 64)
	var run func(tea.Cmd)
	run = func(c tea.Cmd) {
		if c == nil {
			return
		}
		go func() {
			switch msg := c().(type) {
			case nil:
			case tea.BatchMsg:
				for _, inner := range msg {
					run(inner)
				}
			default:
				select {
				case out <- msg:
				default:
				}
			}
		}()
	}
	run(cmd)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-out:
			if want(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message")
			return nil
		}
	}
}

func isTick(msg tea.Msg) bool {
	_, ok := msg.(debounce.TickMsg)
	return ok
}

func isFetched(msg tea.Msg) bool {
	_, ok := msg.(query.FetchedMsg)
	return ok
}

// generateFor types s, lets the debounce window close and applies the fetch.
func generateFor(t *testing.T, m Model, s string) Model {
	t.Helper()
	m, cmd := typeText(m, s)
	m, cmd = update(m, await(t, cmd, isTick))
	if cmd == nil {
		t.Fatalf("settled prompt %q started no fetch", s)
	}
	m, _ = update(m, await(t, cmd, isFetched))
	return m
}

func TestPromptToImageEndToEnd(t *testing.T) {
	gen := &fakeGenerator{}
	m := newTestModel(t, gen, config.DefaultDebounce)

	start := time.Now()
	m, cmd := typeText(m, "a red cat")
	if !m.loading() {
		t.Fatalf("expected loading indicator while debouncing")
	}
	tick := await(t, cmd, isTick)
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Fatalf("prompt settled after %v, expected the debounce window", elapsed)
	}
	if len(gen.seen()) != 0 {
		t.Fatalf("no request may be sent before the prompt settles")
	}

	m, cmd = update(m, tick)
	if !m.observer.Fetching() {
		t.Fatalf("expected fetch in flight after settle")
	}
	m, _ = update(m, await(t, cmd, isFetched))

	reqs := gen.seen()
	if len(reqs) != 1 || reqs[0].Prompt != "a red cat" || reqs[0].IterativeMode {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
	if m.history.Len() != 1 {
		t.Fatalf("got %d records want 1", m.history.Len())
	}
	if idx, ok := m.history.ActiveIndex(); !ok || idx != 0 {
		t.Fatalf("got active=%d ok=%v want 0", idx, ok)
	}
	rec, _ := m.history.Active()
	if rec.ID != reqs[0].RequestID {
		t.Fatalf("record id %q should be the request id %q", rec.ID, reqs[0].RequestID)
	}
	if _, err := rec.Image.Decode(); err != nil {
		t.Fatalf("active image does not decode: %v", err)
	}
	if m.loading() {
		t.Fatalf("loading indicator should clear once the result arrives")
	}
}

func TestBlankPromptIssuesNoRequest(t *testing.T) {
	gen := &fakeGenerator{}
	m := newTestModel(t, gen, 5*time.Millisecond)

	m, cmd := typeText(m, "   ")
	m, _ = update(m, await(t, cmd, isTick))
	if m.observer.Fetching() || m.pipeline.Calls() != 0 || len(gen.seen()) != 0 {
		t.Fatalf("blank prompt must stay idle")
	}
	if m.observer.Err() != nil || m.err != nil {
		t.Fatalf("blank prompt is not an error")
	}
	if !strings.HasPrefix(m.activeKey, "hero|") {
		t.Fatalf("expected hero view, got key %q", m.activeKey)
	}
}

func TestFailureKeepsHistoryAndSurfacesError(t *testing.T) {
	gen := &fakeGenerator{fail: func(req generate.Request) error {
		if strings.Contains(req.Prompt, "#fail") {
			return &generate.StatusError{StatusCode: 500, Body: "boom"}
		}
		return nil
	}}
	m := newTestModel(t, gen, 5*time.Millisecond)
	m = generateFor(t, m, "cat")
	rec, _ := m.history.Active()

	m = generateFor(t, m, " #fail")

	if m.history.Len() != 1 {
		t.Fatalf("failure must not append, got %d records", m.history.Len())
	}
	if active, _ := m.history.Active(); active.ID != rec.ID {
		t.Fatalf("previous image should stay active")
	}
	if generate.StatusCode(m.observer.Err()) != 500 {
		t.Fatalf("expected 500 to be observable, got %v", m.observer.Err())
	}
	if e, placeholder := m.observer.Data(); e == nil || !placeholder || e.RequestID != rec.ID {
		t.Fatalf("expected previous result as placeholder, got %+v placeholder=%v", e, placeholder)
	}
	if !strings.Contains(m.statusLine(), "err=") {
		t.Fatalf("status line should carry the error: %q", m.statusLine())
	}
	if _, cached := m.pipeline.Cached(m.observer.Key()); cached {
		t.Fatalf("failures must not be cached")
	}
}

func TestModeToggleRefetchesAndCachedKeyDoesNotCall(t *testing.T) {
	gen := &fakeGenerator{}
	m := newTestModel(t, gen, 5*time.Millisecond)
	m = generateFor(t, m, "cat")

	m, cmd := update(m, tea.KeyMsg{Type: tea.KeyCtrlT})
	m, _ = update(m, await(t, cmd, isFetched))
	reqs := gen.seen()
	if len(reqs) != 2 || !reqs[1].IterativeMode || reqs[1].Prompt != "cat" {
		t.Fatalf("unexpected requests after toggle: %+v", reqs)
	}
	if idx, _ := m.history.ActiveIndex(); m.history.Len() != 2 || idx != 1 {
		t.Fatalf("got len=%d active=%d want 2 and 1", m.history.Len(), idx)
	}

	// Back to the first mode: served from cache, no call, no new record.
	m, _ = update(m, tea.KeyMsg{Type: tea.KeyCtrlT})
	if got := m.pipeline.Calls(); got != 2 {
		t.Fatalf("cached key issued a call, calls=%d", got)
	}
	if m.history.Len() != 2 || m.observer.Fetching() {
		t.Fatalf("cached key should resolve in place")
	}
}

func TestStaleResultIsKeptButNotActivated(t *testing.T) {
	gen := &fakeGenerator{}
	m := newTestModel(t, gen, 5*time.Millisecond)
	m = generateFor(t, m, "cat")

	stale := &query.Entry{
		Key:       query.Key{Prompt: "ca"},
		RequestID: "stale-1",
		Image:     &generate.Image{B64JSON: testPNG(4, 3)},
	}
	m, _ = update(m, query.FetchedMsg{Key: stale.Key, Entry: stale})
	if m.history.Len() != 2 {
		t.Fatalf("stale success should still land in history")
	}
	if idx, _ := m.history.ActiveIndex(); idx != 0 {
		t.Fatalf("stale result must not move the active index, got %d", idx)
	}

	m, _ = update(m, query.FetchedMsg{Key: query.Key{Prompt: "c"}, Err: errors.New("late failure")})
	if m.observer.Err() != nil {
		t.Fatalf("stale failure must not be surfaced")
	}
}

func TestSelectionSticksAcrossUnrelatedUpdates(t *testing.T) {
	gen := &fakeGenerator{}
	m := newTestModel(t, gen, 5*time.Millisecond)
	for _, p := range []string{"a", "b", "c"} {
		m.history.Append(&query.Entry{
			Key:       query.Key{Prompt: p},
			RequestID: "r-" + p,
			Image:     &generate.Image{B64JSON: testPNG(4, 3)},
		})
	}

	m, _ = update(m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusOnPrompt {
		t.Fatalf("tab should move focus to the strip")
	}
	m, _ = update(m, tea.KeyMsg{Type: tea.KeyLeft})
	if idx, _ := m.history.ActiveIndex(); idx != 1 {
		t.Fatalf("left: got active=%d want 1", idx)
	}
	m, _ = update(m, tea.KeyMsg{Type: tea.KeyHome})
	if idx, _ := m.history.ActiveIndex(); idx != 0 {
		t.Fatalf("home: got active=%d want 0", idx)
	}

	m, _ = update(m, tea.MouseMsg{
		X:      2*tileW + 1,
		Y:      m.stripTop() + 1,
		Action: tea.MouseActionPress,
		Button: tea.MouseButtonLeft,
	})
	if idx, _ := m.history.ActiveIndex(); idx != 2 {
		t.Fatalf("click: got active=%d want 2", idx)
	}

	m, _ = update(m, tea.WindowSizeMsg{Width: 100, Height: 30})
	m, _ = update(m, tea.KeyMsg{Type: tea.KeyCtrlT})
	rec, _ := m.history.Active()
	if rec.ID != "r-c" || m.history.ActiveImage() != rec.Image {
		t.Fatalf("selection changed after unrelated updates: %+v", rec)
	}
}

func TestSearchNarrowsStrip(t *testing.T) {
	gen := &fakeGenerator{}
	m := newTestModel(t, gen, 5*time.Millisecond)
	for _, p := range []string{"red cat", "blue dog", "red fox"} {
		m.history.Append(&query.Entry{
			Key:       query.Key{Prompt: p},
			RequestID: "r-" + strings.ReplaceAll(p, " ", "-"),
			Image:     &generate.Image{B64JSON: testPNG(4, 3)},
		})
	}

	m, _ = update(m, tea.KeyMsg{Type: tea.KeyTab})
	m, _ = update(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("/")})
	if !m.searchMode {
		t.Fatalf("expected search mode")
	}
	m, _ = typeText(m, "red")
	m, cmd := update(m, tea.KeyMsg{Type: tea.KeyEnter})
	m, _ = update(m, await(t, cmd, func(msg tea.Msg) bool {
		_, ok := msg.(searchMsg)
		return ok
	}))

	got := m.stripIndices()
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("got strip=%v want [0 2]", got)
	}
	if !strings.Contains(m.statusLine(), "[match 2]") {
		t.Fatalf("status line should report matches: %q", m.statusLine())
	}

	m, _ = update(m, tea.KeyMsg{Type: tea.KeyEsc})
	if len(m.stripIndices()) != 3 {
		t.Fatalf("esc should clear the search")
	}
}

func TestQuitOnlyFromStrip(t *testing.T) {
	gen := &fakeGenerator{}
	m := newTestModel(t, gen, 5*time.Millisecond)

	m, _ = typeText(m, "q")
	if m.prompt.Value() != "q" {
		t.Fatalf("q should be typed into the prompt, got %q", m.prompt.Value())
	}
	m, _ = update(m, tea.KeyMsg{Type: tea.KeyTab})
	_, cmd := update(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := await(t, cmd, func(msg tea.Msg) bool {
		_, ok := msg.(tea.QuitMsg)
		return ok
	}).(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}

// renderNow runs the active render synchronously and applies its result.
func renderNow(t *testing.T, m Model) Model {
	t.Helper()
	cmd := m.renderActive()
	if cmd == nil {
		return m
	}
	m, _ = update(m, cmd())
	return m
}

func testEntry(prompt, id string) *query.Entry {
	return &query.Entry{
		Key:       query.Key{Prompt: prompt},
		RequestID: id,
		Image:     &generate.Image{B64JSON: testPNG(4, 3)},
	}
}

func TestRenderCacheSurvivesNewRecords(t *testing.T) {
	p, err := query.New(&fakeGenerator{})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	m := NewModel(config.AppConfig{Debounce: 5 * time.Millisecond, RenderCache: 2}, p, nil, nil)
	m, _ = update(m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m, _ = typeText(m, "cat")

	m.history.Append(testEntry("cat", "r-0"))
	m = renderNow(t, m)
	key := m.activeKey
	if _, ok := m.rendered.Peek(key); !ok {
		t.Fatalf("render for %q was not cached", key)
	}

	m.history.Add(testEntry("dog", "r-1"))
	if cmd := m.renderActive(); cmd != nil {
		t.Fatalf("a new record invalidated the cached render")
	}
	if m.activeKey != key {
		t.Fatalf("got key %q want %q", m.activeKey, key)
	}
	if got := m.positionLine(); !strings.Contains(got, "Generation 1 of 2") {
		t.Fatalf("position should follow the history: %q", got)
	}

	for i := 2; i < 6; i++ {
		m.history.Append(testEntry(fmt.Sprintf("cat %d", i), fmt.Sprintf("r-%d", i)))
		m = renderNow(t, m)
	}
	if got := m.rendered.Len(); got != 2 {
		t.Fatalf("got %d cached renders want 2", got)
	}
	if !strings.Contains(m.positionLine(), "Generation 6 of 6") {
		t.Fatalf("unexpected position %q", m.positionLine())
	}
}

func TestWhitespacePromptKeepsActiveRecord(t *testing.T) {
	gen := &fakeGenerator{}
	m := newTestModel(t, gen, 5*time.Millisecond)
	m = generateFor(t, m, "cat")

	m.prompt.SetValue("   ")
	m = renderNow(t, m)
	rec, _ := m.history.Active()
	if !strings.HasPrefix(m.activeKey, rec.ID+"|") {
		t.Fatalf("whitespace prompt should keep the record view, got key %q", m.activeKey)
	}

	m.prompt.SetValue("")
	m = renderNow(t, m)
	if !strings.HasPrefix(m.activeKey, "hero|") {
		t.Fatalf("empty prompt should show the hero, got key %q", m.activeKey)
	}
}
