package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"tradedesk/pkg/tradedesk"
)

const version = "0.1.0"

var (
	serverURL string
	format    string
	timeout   time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tradedesk-cli",
		Short:         "Command-line client for tradedesk-server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := "http://localhost:8080"
	if u := os.Getenv("TRADEDESK_URL"); u != "" {
		defaultURL = u
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "tradedesk-server base URL")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "output format: table, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the CLI version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "tradedesk-cli %s\n", version)
			},
		},
		profilesCmd(),
		loginCmd(),
		logoutCmd(),
		quotesCmd(),
		subscribeCmd(),
		unsubscribeCmd(),
		ordersCmd(),
		orderCmd(),
		submitCmd(),
		cancelCmd(),
		cancelAllCmd(),
		squareOffCmd(),
		allCmd(),
		accountCmd(),
		positionsCmd(),
		marginCmd(),
		jobsCmd(),
		instrumentCmd(),
		expiryCmd(),
		optionChainCmd(),
		eventsCmd(),
	)
	return rootCmd
}

func client() *tradedesk.Client {
	return tradedesk.NewClient(serverURL)
}
