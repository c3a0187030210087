package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var claimsCmd = &cobra.Command{
	Use:   "claims <subjectType> <subjectID>",
	Short: "List the claims held about a subject",
	Args:  cobra.ExactArgs(2),
	RunE:  runClaims,
}

func runClaims(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.db.Close()

	claims, err := eng.db.ClaimsBySubject(args[0], args[1])
	if err != nil {
		return err
	}
	if len(claims) == 0 {
		fmt.Println("no claims")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPREDICATE\tVALUE\tCONF\tSTATUS\tLIFECYCLE")
	for _, c := range claims {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%s\n",
			c.ID, c.Predicate, c.ValueText, c.Confidence, c.ApprovalStatus, c.LifecycleStatus)
	}
	return w.Flush()
}
