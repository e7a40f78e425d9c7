package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"

	// Global flags
	verbose      bool
	outputFormat string
	configFile   string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "fiscal-processor",
	Short: "Ingest and validate Brazilian NF-e and CT-e documents",
	Long: `Fiscal Processor ingests authorized NF-e (model 55) and CT-e (model 57)
XML documents, validates their access keys and tax rules, and records each
document once in a deduplicating ledger.

Examples:
  # Ingest a directory of XML files into the configured store
  fiscal-processor ingest notas/

  # Validate without storing anything
  fiscal-processor validate nfe.xml -f table

  # Decode an access key
  fiscal-processor key 35240911222333000181550010000123451123456780

  # Start the HTTP API
  fiscal-processor serve --address :8080`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "json", "Output format (json, table, csv)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a .env file (default: ./.env if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error; env: LOG_LEVEL)")
}

func printVerbose(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
