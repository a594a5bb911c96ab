// Command simulator is the llmsimulator entrypoint: a cobra CLI wrapping
// `serve`, `validate-config`, and `version`, grounded on the teacher's
// cmd/chatserver/main.go startup sequence (logger first, config next, then
// graceful shutdown on SIGINT/SIGTERM) but restructured as cobra
// subcommands per SPEC_FULL.md §2.1.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes per spec.md §6.
const (
	exitOK                = 0
	exitInvalidConfig     = 1
	exitBindFailure       = 2
	exitInternalUnrecover = 3
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "simulator",
		Short: "Offline LLM API simulator (OpenAI, Anthropic, Google dialects)",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newValidateConfigCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInternalUnrecover)
	}
}
