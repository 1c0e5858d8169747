// Package main は docstream の API サーバーと CLI のエントリーポイントです。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "docstream",
	Short: "Two-phase document extraction service",
	Long: `docstream returns document metadata, a thumbnail and a table of contents
right after upload, then extracts every page in parallel chunks in the background.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, extractCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
