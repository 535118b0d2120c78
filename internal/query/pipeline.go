package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remodela-ai/demo-flux-copilot/internal/generate"
	"github.com/remodela-ai/demo-flux-copilot/internal/ledger"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ErrDisabled is returned for keys whose prompt is blank. No request is made.
var ErrDisabled = errors.New("query disabled for blank prompt")

// Key is the request identity: the settled prompt and the mode flag it was
// sent with.
type Key struct {
	Prompt    string
	Iterative bool
}

func (k Key) Enabled() bool {
	return strings.TrimSpace(k.Prompt) != ""
}

func (k Key) String() string {
	return fmt.Sprintf("%t|%s", k.Iterative, k.Prompt)
}

// Entry is a resolved result. Entries are shared between cache readers and
// history and must not be modified.
type Entry struct {
	Key       Key
	RequestID string
	Image     *generate.Image
	FetchedAt time.Time
}

// Recorder receives one Attempt per network call.
type Recorder interface {
	Record(ctx context.Context, a ledger.Attempt) (int64, error)
}

type Pipeline struct {
	gen      generate.Generator
	mu       sync.RWMutex
	entries  map[Key]*Entry
	group    singleflight.Group
	recorder Recorder
	logger   *slog.Logger
	timeout  time.Duration
	calls    atomic.Int64
	now      func() time.Time
}

type Option func(*Pipeline)

func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTimeout bounds each network call.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

func New(gen generate.Generator, opts ...Option) (*Pipeline, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator is required")
	}
	p := &Pipeline{
		gen:     gen,
		entries: make(map[Key]*Entry),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout: 60 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Cached looks up key without issuing a request. Resolved entries are
// kept for the lifetime of the pipeline.
func (p *Pipeline) Cached(key Key) (*Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[key]
	return e, ok
}

func (p *Pipeline) store(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[e.Key] = e
}

// Calls reports how many network calls have been issued.
func (p *Pipeline) Calls() int64 {
	return p.calls.Load()
}

// Fetch resolves key from cache or by a single shared network call.
// Failures are neither cached nor retried.
func (p *Pipeline) Fetch(ctx context.Context, key Key) (*Entry, error) {
	if !key.Enabled() {
		return nil, ErrDisabled
	}
	if e, ok := p.Cached(key); ok {
		return e, nil
	}

	ch := p.group.DoChan(key.String(), func() (any, error) {
		// A caller that lost the race to a finished flight lands here.
		if e, ok := p.Cached(key); ok {
			return e, nil
		}
		// The flight is shared by every caller of key, so it does not inherit
		// the first caller's cancellation.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		return p.call(callCtx, key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			p.logger.Debug("joined in-flight request", "key", key.String())
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	}
}

func (p *Pipeline) call(ctx context.Context, key Key) (*Entry, error) {
	requestID := uuid.NewString()
	p.calls.Add(1)

	img, err := p.gen.Generate(ctx, generate.Request{
		Prompt:        key.Prompt,
		IterativeMode: key.Iterative,
		RequestID:     requestID,
	})

	attempt := ledger.Attempt{
		RequestID: requestID,
		Prompt:    key.Prompt,
		Iterative: key.Iterative,
		TS:        p.now().Unix(),
	}
	if err != nil {
		attempt.Outcome = ledger.OutcomeError
		attempt.Status = generate.StatusCode(err)
		attempt.Error = err.Error()
		p.record(attempt)
		return nil, err
	}

	attempt.Outcome = ledger.OutcomeOK
	attempt.InferenceMS = img.Timings.Inference
	p.record(attempt)

	e := &Entry{Key: key, RequestID: requestID, Image: img, FetchedAt: p.now()}
	p.store(e)
	return e, nil
}

func (p *Pipeline) record(a ledger.Attempt) {
	if p.recorder == nil {
		return
	}
	// The caller's context may already be done when the call timed out.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.recorder.Record(ctx, a); err != nil {
		p.logger.Warn("record attempt", "request_id", a.RequestID, "err", err)
	}
}

// FetchedMsg is delivered to the UI when a Cmd started by Cmd completes.
type FetchedMsg struct {
	Key   Key
	Entry *Entry
	Err   error
}

// Cmd runs Fetch off the update loop.
func (p *Pipeline) Cmd(key Key) tea.Cmd {
	if !key.Enabled() {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		e, err := p.Fetch(ctx, key)
		return FetchedMsg{Key: key, Entry: e, Err: err}
	}
}
