// Package stub serves a local stand-in for the image generation endpoint.
// Images are synthesised from a hash of the prompt, so the same prompt always
// yields the same picture.
package stub

import (
	"bytes"
	"encoding/base64"
	"hash/fnv"
	"image"
	"image/color"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/remodela-ai/demo-flux-copilot/internal/generate"

	"github.com/disintegration/imaging"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	Path = "/api/generateImages"

	// FailMarker in a prompt makes the stub answer 500.
	FailMarker = "#fail"
)

type palette struct {
	from, to color.NRGBA
}

type Server struct {
	width   int
	height  int
	latency time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	last *palette
}

type Option func(*Server)

// WithLatency delays every successful response.
func WithLatency(d time.Duration) Option {
	return func(s *Server) { s.latency = d }
}

func WithSize(width, height int) Option {
	return func(s *Server) {
		if width > 0 && height > 0 {
			s.width, s.height = width, height
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(opts ...Option) *Server {
	s := &Server{
		width:  1024,
		height: 768,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewEcho returns an echo instance with the generation route and request
// logging through the server's logger.
func NewEcho(s *Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "err", v.Error)...)
				return nil
			}
			s.logger.Info("request", attrs...)
			return nil
		},
	}))

	s.Register(e)
	return e
}

func (s *Server) Register(e *echo.Echo) {
	e.POST(Path, s.generate)
}

func (s *Server) generate(c echo.Context) error {
	var req generate.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}
	if strings.Contains(prompt, FailMarker) {
		return echo.NewHTTPError(http.StatusInternalServerError, "simulated failure")
	}

	start := time.Now()
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}

	img := s.Render(prompt, req.IterativeMode)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "encode image")
	}

	return c.JSON(http.StatusOK, generate.Image{
		B64JSON: base64.StdEncoding.EncodeToString(buf.Bytes()),
		Timings: generate.Timings{
			Inference: float64(time.Since(start).Microseconds()) / 1000,
		},
	})
}

// Render draws the image for prompt. In iterative mode the background keeps
// the palette of the previous image and only the subject follows the prompt.
func (s *Server) Render(prompt string, iterative bool) image.Image {
	sum := promptHash(prompt)
	p := paletteFor(sum)

	s.mu.Lock()
	if iterative && s.last != nil {
		p = *s.last
	}
	last := p
	s.last = &last
	s.mu.Unlock()

	bg := gradient(s.width, s.height, p.from, p.to)

	accent := color.NRGBA{R: byte(sum >> 48), G: byte(sum >> 40), B: byte(sum >> 32), A: 255}
	subjectW, subjectH := s.width/3, s.height/3
	subject := imaging.New(subjectW, subjectH, accent)
	x := int(sum>>16) % max(s.width-subjectW, 1)
	y := int(sum>>24) % max(s.height-subjectH, 1)
	return imaging.Overlay(bg, subject, image.Pt(x, y), 0.85)
}

func promptHash(prompt string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(prompt)))
	return h.Sum64()
}

func paletteFor(sum uint64) palette {
	return palette{
		from: color.NRGBA{R: byte(sum), G: byte(sum >> 8), B: byte(sum >> 16), A: 255},
		to:   color.NRGBA{R: byte(sum >> 24), G: byte(sum >> 32), B: byte(sum >> 40), A: 255},
	}
}

// gradient fills a diagonal blend from the top left to the bottom right.
func gradient(w, h int, from, to color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	span := float64(w + h - 2)
	if span <= 0 {
		span = 1
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			t := float64(x+y) / span
			img.SetNRGBA(x, y, color.NRGBA{
				R: lerp(from.R, to.R, t),
				G: lerp(from.G, to.G, t),
				B: lerp(from.B, to.B, t),
				A: 255,
			})
		}
	}
	return img
}

func lerp(a, b byte, t float64) byte {
	return byte(float64(a) + (float64(b)-float64(a))*t)
}
