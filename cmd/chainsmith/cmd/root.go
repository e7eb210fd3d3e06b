package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is the release version stamped into the banner.
const Version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "chainsmith",
	Short: "Chainsmith is a private certificate authority service",
	Long: `A certificate authority service for issuing, validating and revoking
X.509 certificate hierarchies with one-time private key delivery.
Complete documentation is available at https://github.com/tmarkovic/chainsmith`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
