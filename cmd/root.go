// Package cmd wires the CLI commands.
package cmd

import (
	"os"

	"github.com/smart-on-fhir/client-go/internal/config"
	"github.com/smart-on-fhir/client-go/internal/logger"
	"github.com/spf13/cobra"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "smartctl",
	Short: "SMART on FHIR client CLI",
	Long:  `smartctl launches SMART on FHIR authorization flows and issues authenticated FHIR requests from the stored session.`,
}

func Execute(c *config.Config) {
	cfg = c
	if err := rootCmd.Execute(); err != nil {
		logger.Error("CLI error", "error", err)
		os.Exit(1)
	}
}
