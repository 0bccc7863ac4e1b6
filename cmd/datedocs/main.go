package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "datedocs",
	Short:         "Keep one derived document per calendar date of published content",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	_, envNoColor := os.LookupEnv("NO_COLOR")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", envNoColor, "disable colored output")
	rootCmd.SetVersionTemplate(fmt.Sprintf("datedocs version %s\n", version))

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(bucketsCmd)
	rootCmd.AddCommand(contentCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
