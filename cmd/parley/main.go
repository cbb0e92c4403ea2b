// Package main provides the CLI entry point for the Parley LLM gateway.
//
// Parley fronts multiple LLM providers (OpenAI, Anthropic, Google, Mistral,
// Bedrock, vLLM) behind one multi-tenant chat API with streaming, tool
// execution and workflow routing. Models, apps, locales and platform
// settings load from versioned content files and reload without a restart.
//
// # Basic Usage
//
// Start the server:
//
//	parley serve --config parley.yaml
//
// Validate configuration and contents before deploying:
//
//	parley check --config parley.yaml
//
// # Environment Variables
//
//   - AUTH_MODE: Override the authentication mode (none, jwt, proxy)
//   - JWT_SECRET: HMAC secret for jwt mode
//   - PROXY_AUTH_USER_HEADER / PROXY_AUTH_GROUPS_HEADER: proxy mode headers
//   - DATA_DIR: Base directory for the sqlite usage recorder
//
// Provider API keys are referenced from the config file with ${VAR}
// expansion, e.g. api_key: ${OPENAI_API_KEY}.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Parley - multi-provider LLM gateway",
		Long: `Parley is an HTTP gateway that fronts multiple LLM providers behind one
multi-tenant chat API with streaming, tool execution and workflow routing.

Models, apps, locales and platform settings are loaded from versioned
content files and can be reloaded without a restart.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCheckCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "parley %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
