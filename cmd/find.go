package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/idproof/internal/descriptor"
	"github.com/andresmejia3/idproof/internal/types"
	"github.com/andresmejia3/idproof/internal/utils"
)

var findThreshold float64

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Search for the enrolled identity closest to a face photo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runFind(cmd.Context(), args[0])
	},
}

func init() {
	findCmd.Flags().Float64VarP(&findThreshold, "threshold", "t", descriptor.DefaultThreshold, "Face matching threshold")
	rootCmd.AddCommand(findCmd)
}

func runFind(ctx context.Context, imagePath string) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	engine := newEngine(Cfg)
	defer engine.Close()

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	e, err := engine.EnsureLoaded(ctx)
	if err != nil {
		utils.ShowError("Failed to start face engine", err, nil)
		return err
	}

	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	faces, err := engine.Embed(ctx, imgData)
	if err != nil {
		utils.ShowError("AI processing failed", err, e.Cmd)
		return err
	}

	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	bestFace := largestFace(faces)
	if len(faces) > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the largest face.\n", len(faces))
	}
	if len(bestFace.Vec) != types.DescriptorDim {
		err := fmt.Errorf("engine returned %d-d descriptor: %w", len(bestFace.Vec), types.ErrLengthMismatch)
		utils.ShowError("AI processing failed", err, e.Cmd)
		return err
	}

	fmt.Fprintln(os.Stderr, "🗄️  Searching database...")
	nearest, err := DB.FindClosest(ctx, bestFace.Vec)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			fmt.Println("❌ No identities enrolled.")
			return nil
		}
		if errors.Is(err, types.ErrLengthMismatch) {
			utils.ShowError("Enrolled descriptors do not match the engine's model, re-enroll or reset the database", err, nil)
			return err
		}
		utils.ShowError("Database search failed", err, nil)
		return err
	}

	res := types.MatchResult{Distance: nearest.Distance}.Recompute(Cfg.Match.Threshold)
	if !res.IsMatch {
		fmt.Printf("❌ No match found in database (closest: %s at %.4f).\n", nearest.UserID, nearest.Distance)
		return nil
	}
	fmt.Printf("✅ Found Match: %s (distance %.4f)\n", nearest.UserID, nearest.Distance)

	attempts, err := DB.ListAttempts(ctx, nearest.UserID)
	if err != nil {
		utils.ShowError("Failed to retrieve history", err, nil)
		return err
	}

	if len(attempts) == 0 {
		fmt.Println("No recorded verification attempts.")
		return nil
	}

	wOut := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(wOut, "\nATTEMPTED\tDISTANCE\tTHRESHOLD\tMATCH")
	fmt.Fprintln(wOut, "---------\t--------\t---------\t-----")

	for _, a := range attempts {
		fmt.Fprintf(wOut, "%s\t%.4f\t%.2f\t%v\n",
			a.AttemptedAt.Local().Format("2006-01-02 15:04:05"),
			a.Distance,
			a.Threshold,
			a.IsMatch,
		)
	}
	wOut.Flush()

	return nil
}

// largestFace picks the face with the biggest bounding box.
func largestFace(faces []types.FaceResult) types.FaceResult {
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Area() > best.Area() {
			best = f
		}
	}
	return best
}
