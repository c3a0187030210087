package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Run one pass of the stale-entity recompute worker",
	RunE:  runCompact,
}

func runCompact(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.db.Close()

	n, err := eng.compactor.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("refreshed %d stale entities\n", n)
	return nil
}
