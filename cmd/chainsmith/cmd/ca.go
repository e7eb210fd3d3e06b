package cmd

import "github.com/spf13/cobra"

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Certificate authority management",
	Long:  `Commands for managing CA certificates directly against the data directory.`,
}

func init() {
	rootCmd.AddCommand(caCmd)
}
