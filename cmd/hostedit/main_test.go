package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/hostedit/internal/testutil"
)

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

// writeConfig writes a config with one zosmf profile named lpar1 that
// points at baseURL.
func writeConfig(t *testing.T, baseURL string) (path, workDir string) {
	t.Helper()
	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatal(err)
	}

	tmpDir := t.TempDir()
	workDir = filepath.Join(tmpDir, "work")
	content := []byte(`paths:
  work_dir: "` + workDir + `"
  state_dir: "` + filepath.Join(tmpDir, "state") + `"
profiles:
  lpar1:
    type: zosmf
    protocol: http
    host: "` + u.Hostname() + `"
    port: ` + u.Port() + `
    user: ibmuser
`)
	path = filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path, workDir
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile, _ = writeConfig(t, "http://127.0.0.1:10443")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg, err := loadConfig(logger)
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if got := cfg.Profiles["lpar1"].BaseURL(); got != "http://127.0.0.1:10443/zosmf" {
		t.Errorf("unexpected base url %s", got)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := loadConfig(logger)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()
	cfgFile = ""
	t.Setenv("HOME", t.TempDir())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	_, err := loadConfig(logger)
	// Expect error because the default config file doesn't exist
	if err == nil {
		t.Error("expected error when default config file doesn't exist")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, []string{})
	if !strings.HasPrefix(out.String(), "hostedit dev") {
		t.Errorf("unexpected version output %q", out.String())
	}
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	origCfgFile, origLevel := cfgFile, logLevel
	t.Cleanup(func() {
		cfgFile, logLevel = origCfgFile, origLevel
		forceOpen, listQuery = false, ""
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})
	forceOpen, listQuery = false, ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append(args, "--log-level", "error"))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestOpenListSaveClose(t *testing.T) {
	server := testutil.NewZosmfServer(t)
	server.PutFile("/etc/app.cfg", "x=1\n")
	cfgPath, workDir := writeConfig(t, server.URL)

	out, err := execute(t, "--config", cfgPath, "open", "uss:lpar1:/etc/app.cfg")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	localPath := strings.TrimSpace(out)
	if want := filepath.Join(workDir, "lpar1", "unix-file", "etc", "app.cfg"); localPath != want {
		t.Fatalf("open printed %q, want %q", localPath, want)
	}

	if _, err := execute(t, "--config", cfgPath, "open", "uss:lpar1:/etc/app.cfg"); err == nil {
		t.Error("expected second open without --force to fail")
	}

	out, err = execute(t, "--config", cfgPath, "list", "--jq", ".[] | .etag")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var etag string
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &etag); err != nil {
		t.Fatalf("list output %q is not a JSON string: %v", out, err)
	}
	if etag != testutil.Etag("x=1\n") {
		t.Errorf("listed etag %q, want %q", etag, testutil.Etag("x=1\n"))
	}

	if err := os.WriteFile(localPath, []byte("x=2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "--config", cfgPath, "save", localPath); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if got := server.File("/etc/app.cfg"); got != "x=2\n" {
		t.Errorf("remote content %q after save", got)
	}

	if _, err := execute(t, "--config", cfgPath, "close", localPath); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	out, err = execute(t, "--config", cfgPath, "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if strings.TrimSpace(out) != "" {
		t.Errorf("expected no open documents, got %q", out)
	}
}

func TestOpen_InvalidRef(t *testing.T) {
	cfgPath, _ := writeConfig(t, "http://127.0.0.1:1")
	if _, err := execute(t, "--config", cfgPath, "open", "nope"); err == nil {
		t.Error("expected error for malformed ref")
	}
}
