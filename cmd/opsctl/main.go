// Command opsctl is the operator CLI for the chat agent's admin API.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiURL      string
	adminToken  string
	adminSecret string
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "opsctl",
	Short: "Operate a running chat agent",
	Long: `opsctl talks to the admin API of a chat agent deployment.

Requests are authenticated with a bearer token. Pass --token, or pass
--secret (or ADMIN_JWT_SECRET) and opsctl mints a short-lived token.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("OPSCTL_API_URL", "http://localhost:8080"), "base URL of the API server")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("OPSCTL_TOKEN"), "admin bearer token")
	rootCmd.PersistentFlags().StringVar(&adminSecret, "secret", os.Getenv("ADMIN_JWT_SECRET"), "admin signing secret, used when --token is empty")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(tokenCmd, sendCmd, modeCmd, auditCmd, tasksCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
