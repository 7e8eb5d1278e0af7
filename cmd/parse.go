package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/idproof/internal/docparse"
)

var parseCmd = &cobra.Command{
	Use:         "parse [payload]",
	Short:       "Extract identity fields from a decoded barcode payload (reads stdin without an argument)",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{skipDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		var raw string
		if len(args) == 1 {
			raw = args[0]
		} else {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}
			raw = strings.TrimRight(string(data), "\r\n")
		}
		return writeFields(cmd.OutOrStdout(), raw)
	},
}

func init() {
	rootCmd.AddCommand(parseCmd)
}

func writeFields(w io.Writer, raw string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(docparse.Parse(raw))
}

