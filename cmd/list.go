package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/idproof/internal/pipeline"
	"github.com/andresmejia3/idproof/internal/utils"
)

var (
	listAttempts  string
	listDocuments string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled identities, or one user's verification attempts or documents",
	Run: func(cmd *cobra.Command, args []string) {
		switch {
		case listAttempts != "":
			runListAttempts(cmd.Context(), listAttempts)
		case listDocuments != "":
			runListDocuments(cmd.Context(), listDocuments)
		default:
			runList(cmd.Context())
		}
	},
}

func init() {
	listCmd.Flags().StringVar(&listAttempts, "attempts", "", "Show the verification history of this user")
	listCmd.Flags().StringVar(&listDocuments, "documents", "", "Show the documents scanned for this user")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) {
	enrolled, err := DB.ListEnrollments(ctx)
	if err != nil {
		utils.Die("Failed to list enrollments", err, nil)
	}

	if len(enrolled) == 0 {
		fmt.Println("No identities enrolled.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "USER\tMODEL\tENROLLED")
	fmt.Fprintln(w, "----\t-----\t--------")

	for _, e := range enrolled {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.UserID, e.Model, e.EnrolledAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func runListAttempts(ctx context.Context, userID string) {
	attempts, err := DB.ListAttempts(ctx, userID)
	if err != nil {
		utils.Die("Failed to list attempts", err, nil)
	}

	if len(attempts) == 0 {
		fmt.Printf("No verification attempts for %s.\n", userID)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tATTEMPTED\tDISTANCE\tTHRESHOLD\tMATCH\tMODEL")
	fmt.Fprintln(w, "--\t---------\t--------\t---------\t-----\t-----")

	for _, a := range attempts {
		fmt.Fprintf(w, "%s\t%s\t%.4f\t%.2f\t%v\t%s\n",
			a.ID, a.AttemptedAt.Local().Format("2006-01-02 15:04:05"), a.Distance, a.Threshold, a.IsMatch, a.Model)
	}
	w.Flush()
}

func runListDocuments(ctx context.Context, userID string) {
	docs, err := DB.ListDocuments(ctx, userID)
	if err != nil {
		utils.Die("Failed to list documents", err, nil)
	}

	if len(docs) == 0 {
		fmt.Printf("No documents for %s.\n", userID)
		return
	}

	for i, fields := range docs {
		fmt.Printf("\n#%d\n", i+1)
		printFields(os.Stdout, pipeline.Snapshot{Fields: fields})
	}
}
