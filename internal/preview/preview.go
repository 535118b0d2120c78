// Package preview draws images in the terminal with upper half block cells:
// the foreground colours the top pixel and the background the bottom one,
// so each cell shows two roughly square pixels.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/disintegration/imaging"
)

const halfBlock = "▀"

// Render fits img into width x height cells, keeping its aspect ratio.
func Render(img image.Image, width, height int) string {
	if img == nil || width <= 0 || height <= 0 {
		return ""
	}
	fitted := imaging.Fit(img, width, height*2, imaging.Box)
	b := fitted.Bounds()

	var out strings.Builder
	for y := b.Min.Y; y < b.Max.Y; y += 2 {
		if y > b.Min.Y {
			out.WriteByte('\n')
		}
		for x := b.Min.X; x < b.Max.X; x++ {
			style := lipgloss.NewStyle().Foreground(hex(fitted.At(x, y)))
			if y+1 < b.Max.Y {
				style = style.Background(hex(fitted.At(x, y+1)))
			}
			out.WriteString(style.Render(halfBlock))
		}
	}
	return out.String()
}

// Placeholder is a neutral block of the footprint Render would use for an
// imgW x imgH image.
func Placeholder(width, height, imgW, imgH int) string {
	if width <= 0 || height <= 0 {
		return ""
	}
	w, h := Fit(width, height, imgW, imgH)
	style := lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	row := style.Render(strings.Repeat("░", w))
	rows := make([]string, h)
	for i := range rows {
		rows[i] = row
	}
	return strings.Join(rows, "\n")
}

// Fit returns the cell footprint of an imgW x imgH image scaled into
// width x height cells. Unknown dimensions default to 4:3.
func Fit(width, height, imgW, imgH int) (int, int) {
	if imgW <= 0 || imgH <= 0 {
		imgW, imgH = 4, 3
	}
	// Two pixel rows per cell.
	w := width
	h := width * imgH / (imgW * 2)
	if h > height {
		h = height
		w = height * 2 * imgW / imgH
	}
	return max(w, 1), max(h, 1)
}

func hex(c color.Color) lipgloss.Color {
	r, g, b, _ := c.RGBA()
	return lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", r>>8, g>>8, b>>8))
}
