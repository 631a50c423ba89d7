package cmd

import (
	"github.com/spf13/cobra"

	_ "github.com/joho/godotenv/autoload"
)

var cfgFile string

// Build info, injected from main via ldflags.
var (
	BuildVersion = "dev"
	BuildCommit  = "none"
	BuildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "wharf",
	Short: "Wharf - Container Image Registry",
	Long: `Wharf is a single-binary container image registry implementing the
Docker Registry HTTP API v2 with digest-addressed blob storage, resumable
uploads and repository-scoped access tokens.`,
}

func Execute(version, commit, date string) {
	if version != "" {
		BuildVersion = version
	}
	if commit != "" {
		BuildCommit = commit
	}
	if date != "" {
		BuildDate = date
	}
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./wharf.yml)")
}
