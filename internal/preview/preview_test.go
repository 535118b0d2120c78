package preview

import (
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func solid(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	return img
}

func TestRenderKeepsAspectWithinBounds(t *testing.T) {
	out := Render(solid(1024, 768), 40, 40)
	lines := strings.Split(out, "\n")

	// 1024x768 fits into 40x80 pixels as 40x30, i.e. 15 rows of cells.
	if len(lines) != 15 {
		t.Fatalf("got %d rows want 15", len(lines))
	}
	for i, line := range lines {
		if w := lipgloss.Width(line); w != 40 {
			t.Fatalf("row %d: got width %d want 40", i, w)
		}
	}
}

func TestRenderOddPixelRows(t *testing.T) {
	out := Render(solid(3, 3), 3, 2)
	if rows := strings.Count(out, "\n") + 1; rows != 2 {
		t.Fatalf("got %d rows want 2", rows)
	}
}

func TestRenderEmpty(t *testing.T) {
	if Render(nil, 10, 10) != "" || Render(solid(2, 2), 0, 10) != "" {
		t.Fatalf("expected empty render for nil image or zero size")
	}
}

func TestFit(t *testing.T) {
	cases := []struct {
		w, h, imgW, imgH int
		wantW, wantH     int
	}{
		{40, 40, 1024, 768, 40, 15},
		{80, 10, 1024, 768, 26, 10},
		{10, 10, 0, 0, 10, 3},
	}
	for _, tc := range cases {
		gotW, gotH := Fit(tc.w, tc.h, tc.imgW, tc.imgH)
		if gotW != tc.wantW || gotH != tc.wantH {
			t.Fatalf("Fit(%d,%d,%d,%d): got=%dx%d want=%dx%d", tc.w, tc.h, tc.imgW, tc.imgH, gotW, gotH, tc.wantW, tc.wantH)
		}
	}
	ph := Placeholder(40, 40, 1024, 768)
	if rows := strings.Count(ph, "\n") + 1; rows != 15 {
		t.Fatalf("placeholder rows: got %d want 15", rows)
	}
}
