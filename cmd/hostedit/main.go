package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/hostedit/internal/config"
	"github.com/schaermu/hostedit/internal/control"
	"github.com/schaermu/hostedit/internal/resource"
	"github.com/schaermu/hostedit/internal/session"
	"github.com/schaermu/hostedit/internal/workspace"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	forceOpen     bool
	compareBinary bool
	listQuery     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hostedit",
	Short: "Edit remote host resources as local files",
	Long: `hostedit materializes remote resources (z/OS data sets and UNIX files,
S3 objects, files pinned in git repositories) as local files, keeps track of
the etag each copy was fetched at, and reconciles local edits with changes
made on the remote side.

Resources are addressed as <kind>:<profile>:<path>, for example
ds:lpar1:USER.JCL(BUILD) or uss:lpar1:/etc/app.cfg.`,
	SilenceUsage: true,
}

var openCmd = &cobra.Command{
	Use:   "open <ref>",
	Short: "Fetch a remote resource into the working directory",
	Long: `Open fetches the resource into <work_dir>/<profile>/<kind>/<name>, records the
etag it was fetched at, and prints the local path.

An existing local copy is never replaced unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runOpen,
}

var checkCmd = &cobra.Command{
	Use:   "check <local-path>",
	Short: "Check an open document against its remote resource",
	Long: `Check marks the document as externally modified, fetches the current remote
content and compares etags. When the remote changed, a diff between the
remote content and the local copy is shown and the recorded etag is updated.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

var saveCmd = &cobra.Command{
	Use:   "save <local-path>",
	Short: "Upload an open document",
	Long: `Save uploads the local copy, conditional on the recorded etag. If the remote
changed since it was fetched, the upload is refused, the remote changes are
shown as a diff, and the save has to be repeated to overwrite them.`,
	Args: cobra.ExactArgs(1),
	RunE: runSave,
}

var closeCmd = &cobra.Command{
	Use:   "close <local-path>",
	Short: "Stop tracking an open document",
	Args:  cobra.ExactArgs(1),
	RunE:  runClose,
}

var compareCmd = &cobra.Command{
	Use:   "compare <ref-a> <ref-b>",
	Short: "Show a diff between two remote resources",
	Args:  cobra.ExactArgs(2),
	RunE:  runCompare,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List open documents",
	Long: `List prints the open documents. With --jq the documents are passed as a JSON
array through the given jq expression and each result is printed as JSON.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control server",
	Long: `Serve starts a long-running HTTP server through which editor integrations
select resources for comparison and check open documents. Request bodies must
be signed with the shared secret from serve.secret_file.

When started through systemd socket activation the passed socket is used
instead of serve.listen_addr.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "hostedit %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/hostedit/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	openCmd.Flags().BoolVar(&forceOpen, "force", false, "replace an existing local copy")
	compareCmd.Flags().BoolVar(&compareBinary, "binary", false, "fetch both sides without text conversion")
	listCmd.Flags().StringVar(&listQuery, "jq", "", "jq expression applied to the document list")

	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// newSession loads the configuration and wires a session for one command.
func newSession(ctx context.Context) (*session.Session, *config.Config, *slog.Logger, error) {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	sess, err := session.New(ctx, cfg, nil, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return sess, cfg, logger, nil
}

func runOpen(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	ref, err := resource.ParseRef(args[0])
	if err != nil {
		return err
	}
	sess, _, _, err := newSession(ctx)
	if err != nil {
		return err
	}

	snap, err := sess.Open(ctx, ref, forceOpen)
	if err != nil {
		if resource.IsCategory(err, resource.CategoryConflict) && !forceOpen {
			return fmt.Errorf("%w (use --force to replace it)", err)
		}
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), snap.LocalPath)
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	sess, _, _, err := newSession(ctx)
	if err != nil {
		return err
	}
	snap, err := sess.Check(ctx, args[0])
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", snap.LocalPath, snap.Etag)
	return nil
}

func runSave(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	sess, _, _, err := newSession(ctx)
	if err != nil {
		return err
	}
	snap, err := sess.Save(ctx, args[0])
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", snap.LocalPath, snap.Etag)
	return nil
}

func runClose(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	sess, _, _, err := newSession(ctx)
	if err != nil {
		return err
	}
	return sess.Close(args[0])
}

func runCompare(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	refs := make([]resource.Ref, 0, len(args))
	for _, arg := range args {
		ref, err := resource.ParseRef(arg)
		if err != nil {
			return err
		}
		refs = append(refs, ref.WithBinary(compareBinary))
	}

	sess, _, logger, err := newSession(ctx)
	if err != nil {
		return err
	}

	buffer := sess.Buffer()
	for _, ref := range refs {
		outcome, err := buffer.Select(ctx, ref)
		if err != nil {
			return err
		}
		if outcome != nil && outcome.Err != nil {
			// The buffer already reported the failure; a failed compare is
			// not an error of the command.
			logger.Debug("compare finished without diff", "id", outcome.ID, "error", outcome.Err)
		}
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	sess, _, _, err := newSession(ctx)
	if err != nil {
		return err
	}
	docs, err := sess.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if listQuery == "" {
		for _, doc := range docs {
			modified := ""
			if doc.ExternallyModified {
				modified = "\tmodified"
			}
			_, _ = fmt.Fprintf(out, "%s\t%s\t%s%s\n", doc.LocalPath, doc.Ref.String(), doc.Etag, modified)
		}
		return nil
	}

	results, err := workspace.Query(docs, listQuery)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	for _, v := range results {
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	sess, cfg, logger, err := newSession(ctx)
	if err != nil {
		return err
	}

	server, err := control.NewServer(cfg, sess.Buffer(), sess, logger)
	if err != nil {
		return fmt.Errorf("failed to create control server: %w", err)
	}
	return server.Start(ctx)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Logs go to stderr so command output stays machine readable.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"profiles", cfg.ProfileNames(),
		"work_dir", cfg.Paths.WorkDir,
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
