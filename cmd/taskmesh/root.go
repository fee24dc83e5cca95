// Command taskmesh is the process entrypoint: a cobra root command with
// `serve` and `recover` subcommands, matching the cobra+viper CLI
// convention used across the corpus (divinesense's cmd/divinesense/main.go).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes per spec §6.
const (
	exitOK               = 0
	exitConfigError      = 1
	exitRecoveryFailed   = 2
	exitStoreUnreachable = 3
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "taskmesh is an autonomous multi-agent task scheduling core",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML/JSON config file (optional; defaults and TASKMESH_* env vars still apply)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recoverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case isRecoveryError(err):
		return exitRecoveryFailed
	case isStoreError(err):
		return exitStoreUnreachable
	default:
		return exitConfigError
	}
}
