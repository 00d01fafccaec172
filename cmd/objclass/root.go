package main

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/felixgeelhaar/objclass/internal/adapters/ipc"
	"github.com/felixgeelhaar/objclass/internal/adapters/logging"
	"github.com/felixgeelhaar/objclass/internal/domain/config"
	"github.com/felixgeelhaar/objclass/internal/ports"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	cfgFile string
	verbose bool
	timeout time.Duration
}

// configFlagNames maps config keys to the flags that override them.
var configFlagNames = map[string]string{
	"class_dir":               "class-dir",
	"class_load_list":         "load-list",
	"class_default_list":      "default-list",
	"open_classes_on_start":   "open-on-start",
	"open_timeout":            "open-timeout",
	"close_timeout":           "close-timeout",
	"watch":                   "watch",
	"watch_debounce":          "watch-debounce",
	"wasm.memory_limit_pages": "memory-limit-pages",
	"wasm.call_timeout":       "call-timeout",
	"admin.socket_path":       "socket",
	"admin.lock_path":         "lock-file",
	"log.level":               "log-level",
	"log.format":              "log-format",
}

// run executes the CLI with args and returns the process exit status.
func run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.Execute(); err != nil {
		verbose, _ := cmd.PersistentFlags().GetBool("verbose")
		_, _ = fmt.Fprintf(stderr, "Error: %s\n", formatError(err, verbose))
		return exitCode(err)
	}
	return 0
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "objclass",
		Short: "Load, serve and unload object classes on a storage node",
		Long: `objclass manages the object classes of a storage node.

A node loads each class from its directory on first use, serves its methods,
and unloads it again when an administrator asks for a reload or disable,
waiting for in-flight calls to finish first.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (YAML or TOML)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	flags.DurationVar(&opts.timeout, "timeout", time.Minute, "admin request timeout")
	flags.String("class-dir", "", "directory holding one sub-directory per class")
	flags.String("socket", "", "admin socket path")
	flags.String("lock-file", "", "admin lock file path")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text, json)")

	_ = cmd.RegisterFlagCompletionFunc("config", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"yaml", "yml", "toml"}, cobra.ShellCompDirectiveFilterFileExt
	})
	_ = cmd.RegisterFlagCompletionFunc("log-level", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
	})

	cmd.AddCommand(
		newServeCommand(opts),
		newStatusCommand(opts),
		newListCommand(opts),
		newReloadCommand(opts),
		newDisableCommand(opts),
		newUnblockCommand(opts),
		newExecCommand(opts),
		newManifestCommand(),
		newVersionCommand(),
	)
	return cmd
}

// loadConfig layers the config file, environment and the flags of cmd.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	bound := make(map[string]*pflag.Flag, len(configFlagNames))
	for key, name := range configFlagNames {
		bound[key] = cmd.Flags().Lookup(name)
	}
	return config.Load(cmd.Context(), config.LoadOptions{File: opts.cfgFile, Flags: bound})
}

// newClient returns an admin client for the configured node.
func newClient(cmd *cobra.Command, opts *rootOptions) (*ipc.Client, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	return ipc.NewClient(ipc.ClientConfig{
		SocketPath: cfg.Admin.SocketPath,
		LockPath:   cfg.Admin.LockPath,
		Timeout:    opts.timeout,
	}), nil
}

func newLogger(cfg config.LogConfig, out io.Writer) (ports.Logger, error) {
	level, err := ports.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewConsoleLogger(
		logging.WithOutput(out),
		logging.WithLevel(level),
		logging.WithJSONFormat(cfg.Format == config.LogFormatJSON),
		logging.WithTimestamp(true),
	), nil
}

// errnoError is a failure reported with an errno by the node.
type errnoError struct {
	errno   int
	message string
}

func (e *errnoError) Error() string {
	return e.message
}

// statusError is a method that returned a non-zero status.
type statusError struct {
	class  string
	method string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s.%s returned %d (%s)", e.class, e.method, e.status, errnoName(e.status))
}

// exitCode maps err to a process exit status. Errno failures exit with the
// errno magnitude.
func exitCode(err error) int {
	var (
		remote *ipc.RemoteError
		errno  *errnoError
		status *statusError
	)
	switch {
	case errors.As(err, &remote):
		return errnoExit(remote.Errno)
	case errors.As(err, &errno):
		return errnoExit(errno.errno)
	case errors.As(err, &status):
		return errnoExit(status.status)
	case errors.Is(err, ipc.ErrNodeNotRunning):
		return errnoExit(-int(syscall.ECONNREFUSED))
	default:
		return 1
	}
}

func errnoExit(errno int) int {
	if errno >= 0 {
		return 1
	}
	if -errno > 125 {
		return 125
	}
	return -errno
}

func errnoName(errno int) string {
	if errno >= 0 {
		return "ok"
	}
	return syscall.Errno(-errno).Error()
}

// formatError returns a user-friendly error message.
func formatError(err error, verbose bool) string {
	var list *config.ErrorList
	if errors.As(err, &list) {
		if verbose {
			return list.Format()
		}
		return list.Error()
	}
	var userErr *config.UserError
	if errors.As(err, &userErr) {
		msg := userErr.Message
		if userErr.Context != "" {
			msg += fmt.Sprintf(" (at %s)", userErr.Context)
		}
		if userErr.Suggestion != "" {
			msg += fmt.Sprintf("\n\nSuggestion: %s", userErr.Suggestion)
		}
		if verbose && userErr.Underlying != nil {
			msg += fmt.Sprintf("\n\nTechnical details: %v", userErr.Underlying)
		}
		return msg
	}
	if errors.Is(err, ipc.ErrNodeNotRunning) {
		return "node is not running\n\nStart it with:\n  objclass serve"
	}
	return err.Error()
}
