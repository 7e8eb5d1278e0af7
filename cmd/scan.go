package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/idproof/internal/capture"
	"github.com/andresmejia3/idproof/internal/docparse"
	"github.com/andresmejia3/idproof/internal/docreader"
	"github.com/andresmejia3/idproof/internal/pipeline"
	"github.com/andresmejia3/idproof/internal/types"
	"github.com/andresmejia3/idproof/internal/utils"
)

// ScanOptions configures the standalone document scan.
type ScanOptions struct {
	InputPath string
	Timeout   time.Duration
	JSON      bool
}

var scanOpts ScanOptions

var scanCmd = &cobra.Command{
	Use:         "scan",
	Short:       "Decode an identity document barcode from a photo or the camera",
	Annotations: map[string]string{skipDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateScanFlags(&scanOpts); err != nil {
			utils.ShowError("Invalid scan flags", err, nil)
			return err
		}
		return runScan(cmd.Context(), scanOpts)
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.InputPath, "input", "i", "", "Path to a document photo (default: live camera)")
	scanCmd.Flags().DurationVarP(&scanOpts.Timeout, "timeout", "T", 30*time.Second, "Give up live scanning after this long")
	scanCmd.Flags().BoolVar(&scanOpts.JSON, "json", false, "Print the parsed fields as JSON")
	rootCmd.AddCommand(scanCmd)
}

// validateScanFlags ensures all CLI arguments are valid before touching the camera.
func validateScanFlags(opts *ScanOptions) error {
	if opts.InputPath != "" {
		info, err := os.Stat(opts.InputPath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("input file does not exist: %w", err)
			}
			return fmt.Errorf("unable to access input file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path %s is a directory, expected an image", opts.InputPath)
		}
		return nil
	}
	if opts.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", opts.Timeout)
	}
	return nil
}

func runScan(ctx context.Context, opts ScanOptions) error {
	formats, err := Cfg.Symbologies()
	if err != nil {
		return err
	}
	reader, err := docreader.NewReader(formats, Metrics)
	if err != nil {
		return err
	}

	// PDF417 is decoded by the engine. Without it the other symbologies still work.
	engine := newEngine(Cfg)
	defer engine.Close()
	if _, err := engine.EnsureLoaded(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Face engine unavailable, PDF417 disabled: %v\n", err)
	} else {
		reader.WithStackedDecoder(engine, Cfg.EngineTimeout())
	}

	var code types.DecodedCode
	if opts.InputPath != "" {
		code, err = reader.ScanFile(opts.InputPath)
	} else {
		code, err = scanCamera(ctx, reader, opts.Timeout)
	}
	if err != nil {
		if errors.Is(err, types.ErrDecodeExhausted) {
			fmt.Println("❌ No barcode found.")
		} else {
			utils.ShowError("Document scan failed", err, nil)
		}
		return err
	}

	fields := docparse.Parse(code.RawText)
	if opts.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Format types.Symbology `json:"format"`
			Fields types.Fields    `json:"fields"`
		}{code.Format, fields})
	}
	printFields(os.Stdout, pipeline.Snapshot{Code: &code, Fields: fields})
	return nil
}

// scanCamera polls the document camera until a code decodes or the timeout expires.
func scanCamera(ctx context.Context, reader *docreader.Reader, timeout time.Duration) (types.DecodedCode, error) {
	surface := capture.NewSurface(Cfg.Device())
	docFacing, _ := Cfg.Facings()
	lease, err := surface.Acquire(ctx, Cfg.Constraints(docFacing))
	if err != nil {
		return types.DecodedCode{}, err
	}
	defer surface.Release()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := reader.Poll(ctx, lease, Cfg.ScanInterval())
	defer p.Stop()

	var code types.DecodedCode
	err = waitUntil(ctx, "📄 Show the document barcode to the camera", func(bar *progressbar.ProgressBar) (bool, error) {
		select {
		case code = <-p.Result():
			return true, nil
		default:
		}
		if !lease.Live() {
			return false, fmt.Errorf("camera stopped: %w", types.ErrDeviceUnavailable)
		}
		return false, nil
	})
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return types.DecodedCode{}, err
	}

	// Out of time: one last pass with both tiers over the newest frame.
	p.Stop()
	if frame := lease.Latest(); frame != nil {
		if img, err := frame.Image(); err == nil {
			return reader.ScanImage(img)
		}
	}
	return types.DecodedCode{}, types.ErrDecodeExhausted
}
