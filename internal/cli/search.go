package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/substratehq/engram/internal/model"
)

var (
	searchLimit      int
	searchPredicates []string
	searchSubject    string
	searchTenant     string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the retrieval index",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum results")
	searchCmd.Flags().StringSliceVar(&searchPredicates, "predicate", nil, "predicate filter, e.g. goal.* or preference.food")
	searchCmd.Flags().StringVar(&searchSubject, "subject", "", "requester subject id")
	searchCmd.Flags().StringVar(&searchTenant, "tenant", "", "requester tenant id")
}

func runSearch(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.db.Close()

	query := strings.Join(args, " ")
	filter := model.RetrievalFilter{
		PredicatePatterns: searchPredicates,
		Limit:             searchLimit,
	}
	scopes := model.RequesterScopes{
		TenantID:  searchTenant,
		SubjectID: searchSubject,
	}

	hits, err := eng.index.Query(cmd.Context(), query, filter, scopes)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Println("no results")
		return nil
	}

	for i, h := range hits {
		fmt.Printf("%2d. [%.3f] %s: %s  (%s)\n", i+1, h.Score, h.Title, h.Snippet, h.ID)
	}
	return nil
}
