package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/remodela-ai/demo-flux-copilot/internal/config"
	"github.com/remodela-ai/demo-flux-copilot/internal/export"
	"github.com/remodela-ai/demo-flux-copilot/internal/generate"
	"github.com/remodela-ai/demo-flux-copilot/internal/ledger"
	"github.com/remodela-ai/demo-flux-copilot/internal/query"
	"github.com/remodela-ai/demo-flux-copilot/internal/ui"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flux-copilot:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse()
	if err != nil {
		return err
	}

	logOut, err := cfg.OpenLog()
	if err != nil {
		return err
	}
	defer logOut.Close()
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	led, err := ledger.Open(ledger.MemoryDSN)
	if err != nil {
		return err
	}
	defer led.Close()

	client := generate.NewClient(cfg.Endpoint,
		generate.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		generate.WithMaxRPM(cfg.MaxRPM),
		generate.WithLogger(logger.With("component", "generate")),
	)
	pipeline, err := query.New(client,
		query.WithRecorder(led),
		query.WithTimeout(cfg.Timeout),
		query.WithLogger(logger.With("component", "query")),
	)
	if err != nil {
		return err
	}

	exp, err := export.New(cfg.ExportDir)
	if err != nil {
		return err
	}

	logger.Info("starting session",
		"endpoint", cfg.Endpoint,
		"debounce", cfg.Debounce,
		"iterative", cfg.Iterative,
	)
	m := ui.NewModel(cfg, pipeline, led, exp)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run ui: %w", err)
	}
	return nil
}
