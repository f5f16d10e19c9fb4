package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"livepatch/internal/agent"
	"livepatch/internal/compiler"
	"livepatch/internal/demo"
	"livepatch/internal/logging"
	"livepatch/internal/reload"
	"livepatch/internal/symtab"
	"livepatch/internal/watch"
)

var (
	demoInterval time.Duration
	demoName     string
	demoSource   string
)

// demoCmd runs a sample host process with the agent and watcher attached
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a sample host process that can be patched",
	Long: `Runs a process that prints a greeting on an interval. The greeting is built
from functions in internal/demo/demo.go; edit them and run

  livepatch reload demo greeting
  livepatch reload demo Greeter describe

from another terminal to see the output change without a restart.`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().DurationVar(&demoInterval, "interval", 2*time.Second, "Time between greetings")
	demoCmd.Flags().StringVar(&demoName, "name", "world", "Name to greet")
	demoCmd.Flags().StringVar(&demoSource, "source", "", "Path of demo.go when it moved since the build")
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logging.Boot("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	h, err := demo.Register(symtab.Default, demoSource)
	if err != nil {
		return err
	}
	return host(ctx, cmd.OutOrStdout(), symtab.Default, h)
}

// host serves the agent, runs the watcher when enabled and prints the demo
// output until ctx is cancelled.
func host(ctx context.Context, out io.Writer, registry *symtab.Registry, h *demo.Handles) error {
	engine := reload.New(registry, compiler.New(cfg.CompilerOptions()))
	srv := agent.NewServer(engine, registry, cfg.AgentOptions())
	if err := srv.Listen(); err != nil {
		return err
	}
	logging.Boot("demo module source: %s", h.Module.File())
	fmt.Fprintf(out, "agent listening on %s %s\n", srv.Addr().Network(), srv.Addr())

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Watch.Enabled {
		w, err := watch.New(registry, srv, cfg.WatchOptions())
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		w.OnChange(func(ch watch.Change) {
			if ch.Outcome != nil {
				fmt.Fprint(out, ensureNewline(reload.Render(*ch.Outcome, cfg.RenderOptions())))
				return
			}
			fmt.Fprintf(out, "%s changed on disk; run: livepatch %s\n", ch.Ref, reloadHint(ch.Ref))
		})
		if err := w.Start(gctx); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		defer w.Stop()
	}

	g.Go(func() error {
		return srv.Serve(gctx)
	})

	g.Go(func() error {
		greeter := &demo.Greeter{Name: demoName}
		ticker := time.NewTicker(demoInterval)
		defer ticker.Stop()
		for {
			fmt.Fprintln(out, h.Line(greeter))
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	return g.Wait()
}

// reloadHint renders the CLI invocation that reloads ref.
func reloadHint(ref symtab.Ref) string {
	if ref.Type != "" {
		return fmt.Sprintf("reload %s %s %s", ref.Module, ref.Type, ref.Func)
	}
	return fmt.Sprintf("reload %s %s", ref.Module, ref.Func)
}
