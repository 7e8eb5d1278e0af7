package cmd

import (
	"github.com/spf13/cobra"

	"github.com/andresmejia3/idproof/internal/descriptor"
	"github.com/andresmejia3/idproof/internal/pipeline"
)

var verifyOpts SessionOptions

var verifyCmd = &cobra.Command{
	Use:   "verify <user_id>",
	Short: "Scan an identity document and check the live face against the enrolled one",
	Long: `Runs the document scan, then captures the face and compares it with the descriptor
enrolled for <user_id>. Every decision is recorded with its distance. The command exits
non-zero when the face does not match or the user is not enrolled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSession(cmd.Context(), pipeline.Verification, args[0], verifyOpts)
	},
}

func init() {
	addSessionFlags(verifyCmd, &verifyOpts)
	verifyCmd.Flags().Float64VarP(&verifyOpts.Threshold, "threshold", "t", descriptor.DefaultThreshold, "Euclidean distance threshold (lower is stricter)")
	rootCmd.AddCommand(verifyCmd)
}
