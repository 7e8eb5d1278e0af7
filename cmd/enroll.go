package cmd

import (
	"github.com/spf13/cobra"

	"github.com/andresmejia3/idproof/internal/pipeline"
)

var enrollOpts SessionOptions

var enrollCmd = &cobra.Command{
	Use:   "enroll <user_id>",
	Short: "Scan an identity document and enroll the holder's face",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSession(cmd.Context(), pipeline.Enrollment, args[0], enrollOpts)
	},
}

func init() {
	addSessionFlags(enrollCmd, &enrollOpts)
	rootCmd.AddCommand(enrollCmd)
}

func addSessionFlags(cmd *cobra.Command, opts *SessionOptions) {
	cmd.Flags().StringVarP(&opts.DocumentPath, "document", "f", "", "Read the document barcode from a photo instead of the camera")
	cmd.Flags().BoolVarP(&opts.AssumeYes, "yes", "y", false, "Accept the decoded document and capture as soon as the face is centered")
}
