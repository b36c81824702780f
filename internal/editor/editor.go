// Package editor presents documents to the user: flagging remote drift and
// showing two-way diffs.
package editor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/schaermu/hostedit/internal/workspace"
)

// Environment is what the reconciler and the compare buffer need from the
// user's editing environment.
type Environment interface {
	// MarkExternallyModified flags doc as changed on the remote side
	MarkExternallyModified(ctx context.Context, doc *workspace.Document) error
	// ShowDiff presents left and right side by side, left being the
	// reference side
	ShowDiff(ctx context.Context, left, right string) error
	// DefaultWorkDir is where local copies go when no location is given
	DefaultWorkDir() string
}

// Config configures a Shell.
type Config struct {
	// DiffCommand is an argv template with {left} and {right}; empty uses
	// the built-in unified diff.
	DiffCommand []string
	// MarkCommand is an argv template with {path}; empty only sets the flag.
	MarkCommand []string
	WorkDir     string
	// Out receives built-in diffs. Defaults to os.Stdout.
	Out    io.Writer
	Logger *slog.Logger
}

// Shell implements Environment with external commands and a terminal
// fallback.
type Shell struct {
	diffCommand []string
	markCommand []string
	workDir     string
	out         io.Writer
	logger      *slog.Logger
}

// NewShell creates a Shell environment
func NewShell(cfg Config) *Shell {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Shell{
		diffCommand: cfg.DiffCommand,
		markCommand: cfg.MarkCommand,
		workDir:     cfg.WorkDir,
		out:         cfg.Out,
		logger:      cfg.Logger,
	}
}

// MarkExternallyModified sets the document flag and runs the mark command
// when one is configured.
func (s *Shell) MarkExternallyModified(ctx context.Context, doc *workspace.Document) error {
	doc.MarkExternallyModified()
	if len(s.markCommand) == 0 {
		return nil
	}

	argv := expand(s.markCommand, map[string]string{"{path}": doc.LocalPath()})
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mark command failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// ShowDiff runs the diff command, or writes a unified diff to Out.
func (s *Shell) ShowDiff(ctx context.Context, left, right string) error {
	if len(s.diffCommand) == 0 {
		return s.writeUnifiedDiff(left, right)
	}

	argv := expand(s.diffCommand, map[string]string{"{left}": left, "{right}": right})
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = s.out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// diff(1) and most compatible tools exit 1 when inputs differ
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil
		}
		return fmt.Errorf("diff command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (s *Shell) writeUnifiedDiff(left, right string) error {
	a, err := os.ReadFile(left)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", left, err)
	}
	b, err := os.ReadFile(right)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", right, err)
	}

	if bytes.Equal(a, b) {
		_, err := fmt.Fprintf(s.out, "Files %s and %s are identical\n", left, right)
		return err
	}
	if isBinary(a) || isBinary(b) {
		_, err := fmt.Fprintf(s.out, "Binary files %s and %s differ\n", left, right)
		return err
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: left,
		ToFile:   right,
		Context:  3,
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(s.out, text)
	return err
}

// DefaultWorkDir returns the configured work dir, falling back to
// $HOME/hostedit.
func (s *Shell) DefaultWorkDir() string {
	if s.workDir != "" {
		return s.workDir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		s.logger.Warn("home directory unavailable, using temp dir for work files", "error", err)
		return filepath.Join(os.TempDir(), "hostedit")
	}
	return filepath.Join(home, "hostedit")
}

func expand(template []string, values map[string]string) []string {
	out := make([]string, len(template))
	for i, arg := range template {
		for placeholder, v := range values {
			arg = strings.ReplaceAll(arg, placeholder, v)
		}
		out[i] = arg
	}
	return out
}

func isBinary(data []byte) bool {
	const sniff = 8000
	if len(data) > sniff {
		data = data[:sniff]
	}
	return bytes.IndexByte(data, 0) >= 0
}
