// Package git serves the repo-file resource kind: files pinned at a ref in a
// git repository, read from a private clone by shelling out to git.
package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/schaermu/hostedit/internal/remote"
	"github.com/schaermu/hostedit/internal/resource"
)

// Client provides the git operations repo-file fetches need.
type Client interface {
	// EnsureCheckout clones or updates a repository to the specified ref
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
	// BlobID returns the object id of path at commit, or a not-found error.
	BlobID(ctx context.Context, repoDir, commit, path string) (string, error)
	// WriteBlob writes the content of blob to dst.
	WriteBlob(ctx context.Context, repoDir, blob, dst string) error
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// EnsureCheckout clones or fetches and checks out the specified ref
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	gitDir := filepath.Join(destDir, ".git")
	exists := false
	if _, err := os.Stat(gitDir); err == nil {
		exists = true
	}

	var cmd *exec.Cmd
	if !exists {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}

		cmd = exec.CommandContext(ctx, "git", "clone", "--no-checkout", url, destDir)
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	} else {
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "fetch", "origin")
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
	}

	// Tags and commit hashes resolve directly; branches are read from the
	// remote tracking ref so a stale local branch never shadows new commits.
	commit, err := c.resolve(ctx, destDir, "origin/"+ref)
	if err != nil {
		commit, err = c.resolve(ctx, destDir, ref)
		if err != nil {
			return "", fmt.Errorf("git ref %q not found (tried both remote and direct): %w", ref, err)
		}
	}
	return commit, nil
}

func (c *ShellClient) resolve(ctx context.Context, repoDir, rev string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// BlobID returns the blob id of path at commit.
func (c *ShellClient) BlobID(ctx context.Context, repoDir, commit, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "rev-parse", "--verify", "--quiet", commit+":"+path)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", remote.NewAPIError(0, fmt.Sprintf("%s does not exist at %s", path, shortID(commit)), resource.CategoryNotFound)
		}
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// WriteBlob streams the blob into dst atomically.
func (c *ShellClient) WriteBlob(ctx context.Context, repoDir, blob, dst string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "cat-file", "blob", blob)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("git cat-file failed: %w", err)
	}
	writeErr := remote.WriteFileAtomic(dst, stdout, 0644)
	if writeErr != nil {
		// git blocks on a full pipe until the rest of the blob is read.
		_, _ = io.Copy(io.Discard, stdout)
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("failed to write blob to %s: %w", dst, errors.Join(writeErr, err))
		}
		return fmt.Errorf("failed to write blob to %s: %w", dst, writeErr)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("git cat-file failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels in the environment and is read by an inline
		// credential helper, never embedded in the command line.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "HOSTEDIT_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$HOSTEDIT_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// FileClient implements remote.Client for one repository profile. The blob
// id of a file at the pinned ref is its etag.
type FileClient struct {
	git      Client
	url      string
	ref      string
	cloneDir string

	// mu serializes fetches that share the clone directory.
	mu sync.Mutex
}

// NewFileClient creates a repo-file client keeping its clone in cloneDir.
func NewFileClient(git Client, url, ref, cloneDir string) *FileClient {
	return &FileClient{git: git, url: url, ref: ref, cloneDir: cloneDir}
}

// GetContents writes path as of the profile's ref into opts.File. Encoding
// and binary mode do not apply to git content.
func (c *FileClient) GetContents(ctx context.Context, path string, opts remote.GetOptions) (*remote.Response, error) {
	if opts.File == "" {
		return nil, fmt.Errorf("get contents: destination file is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	commit, err := c.git.EnsureCheckout(ctx, c.url, c.ref, c.cloneDir)
	if err != nil {
		return nil, err
	}
	blob, err := c.git.BlobID(ctx, c.cloneDir, commit, strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, err
	}
	if err := c.git.WriteBlob(ctx, c.cloneDir, blob, opts.File); err != nil {
		return nil, err
	}

	out := &remote.Response{}
	if opts.ReturnEtag {
		out.Etag = blob
	}
	return out, nil
}
