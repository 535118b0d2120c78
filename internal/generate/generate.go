package generate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrEmptyImage is returned when a 2xx response carries no image payload.
var ErrEmptyImage = errors.New("response contained no image")

const maxErrorBody = 4 << 10

// Request is the JSON body sent to the generation endpoint.
type Request struct {
	Prompt        string `json:"prompt"`
	IterativeMode bool   `json:"iterativeMode"`

	// RequestID is sent as the X-Request-ID header when set.
	RequestID string `json:"-"`
}

type Timings struct {
	// Inference is reported by the endpoint in milliseconds.
	Inference float64 `json:"inference"`
}

// Image is a generation result. It is never mutated after decoding.
type Image struct {
	B64JSON string  `json:"b64_json"`
	Timings Timings `json:"timings"`
}

// PNG returns the raw image bytes.
func (i *Image) PNG() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(i.B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode b64_json: %w", err)
	}
	return data, nil
}

func (i *Image) Decode() (image.Image, error) {
	data, err := i.PNG()
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func (i *Image) Inference() time.Duration {
	return time.Duration(i.Timings.Inference * float64(time.Millisecond))
}

// DataURL renders the image the way a browser would embed it.
func (i *Image) DataURL() string {
	return "data:image/png;base64," + i.B64JSON
}

// Generator issues a single generation call. Implementations must not retry.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Image, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("endpoint returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("endpoint returned %d: %s", e.StatusCode, body)
}

// StatusCode extracts the HTTP status from err, or 0 when err carries none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

var _ Generator = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxRPM throttles outgoing calls. Zero disables throttling.
func WithMaxRPM(rpm int) Option {
	return func(c *Client) {
		if rpm <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 60 * time.Second},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Generate(ctx context.Context, req Request) (*Image, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	start := time.Now()
	c.logger.Debug("generation request",
		"request_id", req.RequestID,
		"iterative", req.IterativeMode,
		"prompt_len", len(req.Prompt),
	)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("generation failed",
			"request_id", req.RequestID,
			"status", resp.StatusCode,
			"elapsed", time.Since(start),
		)
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(msg)}
	}

	var img Image
	if err := json.NewDecoder(resp.Body).Decode(&img); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(img.B64JSON) == "" {
		return nil, ErrEmptyImage
	}

	c.logger.Info("generation complete",
		"request_id", req.RequestID,
		"inference_ms", img.Timings.Inference,
		"elapsed", time.Since(start),
	)
	return &img, nil
}
