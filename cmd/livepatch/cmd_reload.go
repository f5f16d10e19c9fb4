package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"livepatch/internal/agent"
	"livepatch/internal/command"
	"livepatch/internal/reload"
)

var (
	reloadModule string
	reloadType   string
	reloadFunc   string
)

// reloadCmd sends one reload request to a running host
var reloadCmd = &cobra.Command{
	Use:   "reload [module] [type] function",
	Short: "Reload one function or method in a running process",
	Long: `Asks the agent of a running process to recompile a function or method from
its current source file and install it.

Positional words fill the module, type and function that were not given as
flags; the type is skipped when only two words are given:

  livepatch reload demo greeting
  livepatch reload demo Greeter describe
  livepatch reload --mod demo --cls Greeter --func describe`,
	Args: cobra.MaximumNArgs(3),
	RunE: runReload,
}

// listCmd shows the symbols a running process can reload
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the patchable symbols of a running process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmd, "list")
	},
}

func init() {
	reloadCmd.Flags().StringVar(&reloadModule, "mod", "", "Module the function is registered in")
	reloadCmd.Flags().StringVar(&reloadType, "cls", "", "Owning type, for methods")
	reloadCmd.Flags().StringVar(&reloadFunc, "func", "", "Function or method name")
}

// buildRequest turns the subcommand flags and words into a reload request,
// with the same rules the agent applies to a raw command line.
func buildRequest(cmd *cobra.Command, args []string) (reload.Request, error) {
	var words []string
	if cmd.Flags().Changed("mod") {
		words = append(words, "--mod", reloadModule)
	}
	if cmd.Flags().Changed("cls") {
		words = append(words, "--cls", reloadType)
	}
	if cmd.Flags().Changed("func") {
		words = append(words, "--func", reloadFunc)
	}
	words = append(words, args...)
	if verbose {
		words = append(words, "--verbose")
	}
	return command.ParseArgs(words)
}

func runReload(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(cmd, args)
	if err != nil {
		return err
	}
	return send(cmd, command.Format(req))
}

// send delivers line to the configured agent and prints the reply.
func send(cmd *cobra.Command, line string) error {
	client := agent.NewClient(cfg.Agent.Network, cfg.Agent.Addr)
	client.Timeout = cfg.GetRequestTimeout()

	resp, err := client.Do(context.Background(), line)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), ensureNewline(resp.Text))
	if !resp.OK {
		return fmt.Errorf("%s failed (%s)", strings.Fields(line)[0], resp.Kind)
	}
	return nil
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
