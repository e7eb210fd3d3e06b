package cmd

import "github.com/spf13/cobra"

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Certificate chain inspection tools",
	Long:  `Commands for verifying and inspecting exported PEM certificate chains.`,
}

func init() {
	rootCmd.AddCommand(chainCmd)
}
