/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatbridge",
	Short: "Conversational companion bridge",
	Long: `chatbridge connects a routing, retrieval and generation backend to an
embedded chat frontend. It serves the bridge over HTTP or Telegram, opens a
terminal chat, and seeds the local knowledge base.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
