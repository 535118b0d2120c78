package export

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/remodela-ai/demo-flux-copilot/internal/generate"
	"github.com/remodela-ai/demo-flux-copilot/internal/history"
	"github.com/remodela-ai/demo-flux-copilot/internal/query"
)

func record(prompt string) history.Record {
	return history.Record{
		ID:     "3f2a9c1e-7b44-4c1d-9a55-0e6f2b1c8d90",
		Key:    query.Key{Prompt: prompt, Iterative: true},
		Prompt: prompt,
		Image:  &generate.Image{B64JSON: "iVBORw0K", Timings: generate.Timings{Inference: 120}},
	}
}

func TestExportWritesImageAndNotes(t *testing.T) {
	dir := t.TempDir()
	e, err := New(dir)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	e.now = func() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) }

	path, err := e.Export(record("A red cat, on a sofa!"))
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	want := filepath.Join(dir, "a-red-cat-on-a-sofa-3f2a9c1e.png")
	if path != want {
		t.Fatalf("got path=%q want=%q", path, want)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read png: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatalf("expected decoded PNG bytes, got %q", data)
	}

	md, err := os.ReadFile(strings.TrimSuffix(path, ".png") + ".md")
	if err != nil {
		t.Fatalf("read notes: %v", err)
	}
	for _, want := range []string{
		"# A red cat, on a sofa!",
		"consistency_mode: true",
		"inference: 120ms",
		"Exported: 2026-10-18T12:00:00Z",
	} {
		if !strings.Contains(string(md), want) {
			t.Fatalf("notes missing %q:\n%s", want, md)
		}
	}
}

func TestExportRejectsMissingImage(t *testing.T) {
	e, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	rec := record("cat")
	rec.Image = nil
	if _, err := e.Export(rec); err == nil {
		t.Fatalf("expected error for record without image")
	}
}

func TestFileStem(t *testing.T) {
	cases := []struct {
		prompt, id, want string
	}{
		{"  ", "", "generation"},
		{"Ünïcode only", "abc", "n-code-only-abc"},
		{strings.Repeat("long words ", 10), "12345678-9", "long-words-long-words-long-words-long-words-long-12345678"},
	}
	for _, tc := range cases {
		got := FileStem(history.Record{Prompt: tc.prompt, ID: tc.id})
		if got != tc.want {
			t.Fatalf("prompt=%q got=%q want=%q", tc.prompt, got, tc.want)
		}
	}
}
