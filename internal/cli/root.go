package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Conversational memory engine",
	Long:  "Engram keeps long-lived beliefs about people and relationships: claims with provenance, retrieval with ranking, and per-session working memory.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(claimsCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(predicatesCmd)
}
