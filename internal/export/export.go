package export

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/remodela-ai/demo-flux-copilot/internal/history"
)

const maxSlugLen = 48

type Exporter struct {
	dir string
	now func() time.Time
}

func New(dir string) (*Exporter, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("export directory is required")
	}
	if !filepath.IsAbs(dir) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve cwd: %w", err)
		}
		dir = filepath.Join(cwd, dir)
	}
	return &Exporter{dir: dir, now: time.Now}, nil
}

// Export writes the record's PNG and a markdown sidecar, returning the PNG path.
func (e *Exporter) Export(rec history.Record) (string, error) {
	if rec.Image == nil {
		return "", fmt.Errorf("record %s has no image", rec.ID)
	}
	data, err := rec.Image.PNG()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	base := filepath.Join(e.dir, FileStem(rec))
	pngPath := base + ".png"
	if err := os.WriteFile(pngPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write export image: %w", err)
	}
	md := BuildRecordMarkdown(rec, filepath.Base(pngPath), e.now().UTC())
	if err := os.WriteFile(base+".md", []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("write export notes: %w", err)
	}
	return pngPath, nil
}

func BuildRecordMarkdown(rec history.Record, imageFile string, now time.Time) string {
	var b strings.Builder
	b.WriteString("# " + safeValue(oneLine(rec.Prompt)) + "\n\n")
	b.WriteString("![generation](" + imageFile + ")\n\n")
	b.WriteString("Exported: " + now.Format(time.RFC3339) + "\n\n")
	b.WriteString("```text\n")
	b.WriteString("request_id: " + safeValue(rec.ID) + "\n")
	b.WriteString(fmt.Sprintf("consistency_mode: %t\n", rec.Key.Iterative))
	if rec.Image != nil {
		b.WriteString(fmt.Sprintf("inference: %s\n", rec.Image.Inference()))
	}
	b.WriteString("```\n\n")
	b.WriteString("## Prompt\n\n")
	b.WriteString(strings.TrimSpace(rec.Prompt) + "\n")
	return b.String()
}

var nonSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

// FileStem names an export after its prompt and request id.
func FileStem(rec history.Record) string {
	slug := nonSlugRe.ReplaceAllString(strings.ToLower(rec.Prompt), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "generation"
	}
	id := strings.ReplaceAll(strings.TrimSpace(rec.ID), "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return slug
	}
	return slug + "-" + id
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func safeValue(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "n/a"
	}
	return s
}
