package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/substratehq/engram/internal/registry"
)

var predicatesCmd = &cobra.Command{
	Use:   "predicates",
	Short: "List the registered predicate definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := registry.Core().Build()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PREDICATE\tKIND\tCARDINALITY\tSENSITIVITY\tAPPROVAL")
		for _, def := range reg.List() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				def.Predicate, def.ValueKind, def.Cardinality, def.DefaultSensitivity, def.DefaultApproval)
		}
		return w.Flush()
	},
}
