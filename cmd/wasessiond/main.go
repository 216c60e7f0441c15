package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reaje/whatsapp-microservice/internal/config"
)

var (
	configPath string
	envFile    string

	rootCmd = &cobra.Command{
		Use:           "wasessiond",
		Short:         "Multi-tenant WhatsApp session service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv(config.EnvConfig)
			}
			return config.LoadDotEnv(envFile)
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the session providers and the runtime supervisor",
		RunE:  runServe,
	}

	pairCmd = &cobra.Command{
		Use:   "pair",
		Short: "Start a session on a running server and show its pairing QR code in the terminal",
		RunE:  runPair,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect the service configuration",
	}
	configCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration, then print any warnings",
		RunE:  runConfigCheck,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the TOML config file (env "+config.EnvConfig+")")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config; skipped when missing")

	pairCmd.Flags().StringVar(&pairServer, "server", "http://127.0.0.1:8080", "base URL of a running wasessiond")
	pairCmd.Flags().StringVar(&pairTenant, "tenant", "", "tenant id")
	pairCmd.Flags().StringVar(&pairPhone, "phone", "", "phone number of the session")
	pairCmd.Flags().StringVar(&pairProvider, "provider", "", "provider kind override (embedded or business_api)")
	pairCmd.Flags().DurationVar(&pairTimeout, "timeout", defaultPairTimeout, "give up when the session is not connected by then")
	_ = pairCmd.MarkFlagRequired("tenant")
	_ = pairCmd.MarkFlagRequired("phone")

	configCmd.AddCommand(configCheckCmd)
	rootCmd.AddCommand(serveCmd, pairCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
