package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/idproof/internal/descriptor"
	"github.com/andresmejia3/idproof/internal/types"
	"github.com/andresmejia3/idproof/internal/utils"
)

var compareThreshold float64

var compareCmd = &cobra.Command{
	Use:         "compare <image_a> <image_b>",
	Short:       "Compare the faces in two photos and print their distance",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{skipDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runCompare(cmd.Context(), args[0], args[1])
	},
}

func init() {
	compareCmd.Flags().Float64VarP(&compareThreshold, "threshold", "t", descriptor.DefaultThreshold, "Euclidean distance threshold (lower is stricter)")
	rootCmd.AddCommand(compareCmd)
}

func runCompare(ctx context.Context, pathA, pathB string) error {
	engine := newEngine(Cfg)
	defer engine.Close()

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	e, err := engine.EnsureLoaded(ctx)
	if err != nil {
		utils.ShowError("Failed to start face engine", err, nil)
		return err
	}

	ex := descriptor.NewExtractor(engine, types.DescriptorDim, Cfg.EngineTimeout(), Metrics)
	var descs [2]types.Descriptor
	for i, path := range []string{pathA, pathB} {
		fmt.Fprintf(os.Stderr, "🔍 Analyzing %s...\n", path)
		descs[i], err = describeImage(ctx, ex, path)
		if err != nil {
			if types.UserFacing(err) {
				fmt.Printf("❌ %s: %v\n", path, err)
			} else {
				utils.ShowError("AI processing failed", err, e.Cmd)
			}
			return err
		}
	}

	res, err := descriptor.NewMatcher(Cfg.Match.Threshold, Metrics).Compare(descs[0], descs[1])
	if err != nil {
		utils.ShowError("Comparison failed", err, nil)
		return err
	}

	verdict := "❌ Different people"
	if res.IsMatch {
		verdict = "✅ Same person"
	}
	fmt.Printf("%s (distance %.4f, threshold %.2f)\n", verdict, res.Distance, res.Threshold)
	return nil
}

// describeImage runs the full extraction pass on a photo from disk.
func describeImage(ctx context.Context, ex *descriptor.Extractor, path string) (types.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	frame := types.NewFrame(data, 0, 0, time.Now(), 1)
	if !frame.Decodable() {
		return nil, fmt.Errorf("%s is not a supported image", path)
	}
	return ex.Extract(ctx, frame)
}
