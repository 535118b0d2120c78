package clipboard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

var ErrToolNotFound = errors.New("clipboard tool not found")

// waitDelay bounds how long Copy waits for the tool's stderr to close after
// it exits. xclip and wl-copy fork a daemon that keeps the pipe open.
var waitDelay = 500 * time.Millisecond

type Command struct {
	Path string
	Args []string
}

type candidate struct {
	name string
	args []string
}

// Tools are tried in order for each platform.
var platformTools = map[string][]candidate{
	"darwin": {
		{name: "pbcopy"},
	},
	"linux": {
		{name: "wl-copy", args: []string{"--type", "text/plain"}},
		{name: "xclip", args: []string{"-selection", "clipboard"}},
		{name: "xsel", args: []string{"--clipboard", "--input"}},
	},
	"windows": {
		{name: "clip.exe"},
	},
}

func SelectCommand(goos string, lookPath func(string) (string, error)) (Command, error) {
	for _, c := range platformTools[goos] {
		path, err := lookPath(c.name)
		if err != nil {
			continue
		}
		return Command{Path: path, Args: c.args}, nil
	}
	return Command{}, ErrToolNotFound
}

// Copy writes payload to the system clipboard. Image data URLs for full
// size generations run to megabytes, so the payload is streamed over stdin.
func Copy(ctx context.Context, payload []byte) error {
	cmdDef, err := SelectCommand(runtime.GOOS, exec.LookPath)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, cmdDef.Path, cmdDef.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return fmt.Errorf("clipboard command failed: %w: %s", err, msg)
		}
		return fmt.Errorf("clipboard command failed: %w", err)
	}
	return nil
}
