package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tokligence/chatstream-gateway/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Command-line client for the chatstream gateway",
	Long: `chatctl issues caller tokens, streams chat replies from a running gateway,
and cancels or inspects sessions.`,
	SilenceUsage: true,
}

func init() {
	cfg, err := config.LoadGatewayConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	opts := &globalOptions{cfg: cfg}
	rootCmd.PersistentFlags().StringVar(&opts.url, "url", cfg.GatewayURL, "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CHATSTREAM_TOKEN"), "bearer token (default: issue one locally)")
	rootCmd.PersistentFlags().StringVar(&opts.caller, "caller", "cli", "caller id used when issuing a local token")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(tokenCommand(opts))
	rootCmd.AddCommand(chatCommand(opts))
	rootCmd.AddCommand(cancelCommand(opts))
	rootCmd.AddCommand(sessionsCommand(opts))
	rootCmd.AddCommand(usageCommand(opts))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
