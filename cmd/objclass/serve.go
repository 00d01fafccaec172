package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/objclass/internal/adapters/ipc"
	"github.com/felixgeelhaar/objclass/internal/app"
	"github.com/felixgeelhaar/objclass/internal/ports"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node serving the classes in the class directory",
		Long: `Run a node in the foreground.

Classes load on first use, or all at once with --open-on-start. The node
listens on the admin socket for ls, reload, disable, unblock and exec until it
receives SIGINT or SIGTERM, then drains and unloads every class.`,
		Example: `  # Serve with defaults
  objclass serve

  # Serve a local directory, reloading classes when their files change
  objclass serve --class-dir ./classes --watch

  # Only allow two classes to load
  objclass serve --load-list "lock, refcount"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.String("load-list", "", `classes allowed to load ("*" for all)`)
	flags.String("default-list", "", "classes granted default permissions")
	flags.Bool("open-on-start", false, "open every class at startup")
	flags.Duration("open-timeout", 0, "how long an open waits on a blocked class (0 fails at once, negative waits forever)")
	flags.Duration("close-timeout", 0, "how long a reload or disable waits for handles (0 fails at once, negative waits forever)")
	flags.Bool("watch", false, "reload open classes when their files change")
	flags.Duration("watch-debounce", 0, "quiet period before a change triggers a reload")
	flags.Uint32("memory-limit-pages", 0, "linear memory limit per class, in 64 KiB pages")
	flags.Duration("call-timeout", 0, "bound on a single method call (0 for none)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if err := cfg.CheckClassDir(); err != nil {
		return err
	}

	client := ipc.NewClient(ipc.ClientConfig{SocketPath: cfg.Admin.SocketPath, LockPath: cfg.Admin.LockPath})
	if client.IsNodeRunning() {
		return fmt.Errorf("a node is already running (PID %d)", client.NodePID())
	}

	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = ports.ContextWithLogger(ctx, logger)

	node, err := app.NewNode(ctx, *cfg, app.WithNodeLogger(logger), app.WithVersion(version))
	if err != nil {
		return err
	}
	return node.Run(ctx)
}
