package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/docsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that must run without a valid
// resolved config, such as `config init`, which creates it.
const skipConfigAnnotation = "skipConfig"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDBPath     string
	flagStoreType  string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// CLIFlags is a snapshot of the global flags taken before a command runs.
type CLIFlags struct {
	ConfigPath string
	DBPath     string
	StoreType  string
	JSON       bool
	Verbose    bool
	Debug      bool
	Quiet      bool
}

// CLIContext carries everything a subcommand needs. It is attached to the
// command context by the root pre-run.
type CLIContext struct {
	Flags   CLIFlags
	Logger  *slog.Logger
	Cfg     *config.Config // nil for skipConfig commands
	CfgPath string
	Env     config.EnvOverrides

	closeLog func() error
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext installed by the root pre-run.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext missing: command ran without the root pre-run")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "docsync",
		Short:   "Offline-first document sync client",
		Long:    "Cache, query, and synchronize backend collections locally, with queued writes pushed when online.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := newCLIContext(cmd)
			if err != nil {
				return err
			}

			ctx := shutdownContext(cmd.Context(), cc.Logger)
			cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			if cc.closeLog != nil {
				return cc.closeLog()
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "local database path")
	cmd.PersistentFlags().StringVar(&flagStoreType, "store-type", "", "store type: sync, cache or network")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable info logging")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newFindCmd())
	cmd.AddCommand(newCountCmd())
	cmd.AddCommand(newSaveCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newPushCmd())
	cmd.AddCommand(newPullCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newPurgeCmd())
	cmd.AddCommand(newClearCmd())
	cmd.AddCommand(newPendingCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newNotifyCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// newCLIContext snapshots the flags, resolves the config unless the command
// opts out, and builds the logger.
func newCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	cc := &CLIContext{
		Flags: CLIFlags{
			ConfigPath: flagConfigPath,
			DBPath:     flagDBPath,
			StoreType:  flagStoreType,
			JSON:       flagJSON,
			Verbose:    flagVerbose,
			Debug:      flagDebug,
			Quiet:      flagQuiet,
		},
		Env: config.ReadEnvOverrides(),
	}

	cc.Logger = bootstrapLogger()

	cli := cliOverrides(cmd, cc.Flags)
	cc.CfgPath = config.ResolvePath(cc.Env, cli)

	if cmd.Annotations[skipConfigAnnotation] == "true" {
		return cc, nil
	}

	cfg, err := config.Resolve(cc.Env, cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	cc.Cfg = cfg

	logger, closeLog, err := buildLogger(&cfg.Logging, cc.Flags)
	if err != nil {
		return nil, err
	}

	cc.Logger = logger
	cc.closeLog = closeLog

	cc.Logger.Debug("config resolved", slog.String("path", cc.CfgPath), slog.String("store_type", cfg.Sync.StoreType))

	return cc, nil
}

// cliOverrides passes only the flags the user explicitly set.
func cliOverrides(cmd *cobra.Command, flags CLIFlags) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	if cmd.Flags().Changed("db") {
		db := flags.DBPath
		cli.DatabasePath = &db
	}

	if cmd.Flags().Changed("store-type") {
		st := flags.StoreType
		cli.StoreType = &st
	}

	return cli
}

// bootstrapLogger is used before the config is known. It defaults to Warn;
// the flags can only raise or lower it.
func bootstrapLogger() *slog.Logger {
	level := slog.LevelWarn

	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	case flagQuiet:
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// logLevel maps the config level to slog; CLI flags always win.
func logLevel(cfgLevel string, flags CLIFlags) slog.Level {
	level := slog.LevelInfo

	switch cfgLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	switch {
	case flags.Debug:
		level = slog.LevelDebug
	case flags.Verbose:
		level = slog.LevelInfo
	case flags.Quiet:
		level = slog.LevelError
	}

	return level
}

// buildLogger creates the command logger: text on stderr, plus JSON lines
// to a rotated log file when logging.log_file is set. The returned close
// function, nil without a log file, releases the file.
func buildLogger(l *config.LoggingConfig, flags CLIFlags) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: logLevel(l.LogLevel, flags)}
	console := slog.NewTextHandler(os.Stderr, opts)

	if l.LogFile == "" {
		return slog.New(console), nil, nil
	}

	rotated := &lumberjack.Logger{
		Filename: l.LogFile,
		MaxSize:  l.MaxSizeMB(),
		MaxAge:   l.LogRetentionDays,
	}

	// Open eagerly so a bad path fails the command instead of every log call.
	if _, err := rotated.Write(nil); err != nil {
		return nil, nil, fmt.Errorf("opening log file %s: %w", l.LogFile, err)
	}

	return slog.New(teeHandler{console, slog.NewJSONHandler(rotated, opts)}), rotated.Close, nil
}

// teeHandler sends each record to every handler that accepts its level.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error

	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}

	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}

	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}

	return out
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
