package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "sensorwatch",
		Short:         "MQTT sensor ingestion and alarm notification service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".env", "Path to the .env configuration file")

	rootCmd.AddCommand(
		newServeCmd(),
		newTopicCmd(),
		newValidateCmd(),
		newPasswdCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
