package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/andresmejia3/idproof/internal/capture"
	"github.com/andresmejia3/idproof/internal/config"
	"github.com/andresmejia3/idproof/internal/descriptor"
	"github.com/andresmejia3/idproof/internal/docparse"
	"github.com/andresmejia3/idproof/internal/docreader"
	"github.com/andresmejia3/idproof/internal/facesignal"
	"github.com/andresmejia3/idproof/internal/pipeline"
	"github.com/andresmejia3/idproof/internal/types"
	"github.com/andresmejia3/idproof/internal/utils"
	"github.com/andresmejia3/idproof/internal/worker"
)

// SessionOptions holds shared configuration for the enroll and verify commands
type SessionOptions struct {
	DocumentPath string
	AssumeYes    bool
	Threshold    float64
}

func newEngine(cfg *config.Config) *worker.Loader {
	return worker.NewLoader(worker.EngineConfig{
		Command:     cfg.Engine.Command,
		Model:       cfg.Engine.Model,
		ReadTimeout: cfg.EngineTimeout(),
	})
}

// buildPipeline wires every component from the resolved configuration.
func buildPipeline(cfg *config.Config, engine *worker.Loader, db sessionStore) (*pipeline.Orchestrator, error) {
	formats, err := cfg.Symbologies()
	if err != nil {
		return nil, err
	}
	reader, err := docreader.NewReader(formats, Metrics)
	if err != nil {
		return nil, err
	}
	reader.WithStackedDecoder(engine, cfg.EngineTimeout())
	docFacing, faceFacing := cfg.Facings()

	return pipeline.New(pipeline.Deps{
		Surface:   capture.NewSurface(cfg.Device()),
		Faces:     facesignal.New(engine, facesignal.Config{Refresh: cfg.Refresh(), Box: cfg.FaceSignal.CenterBox}, Metrics),
		Extractor: descriptor.NewExtractor(engine, types.DescriptorDim, cfg.EngineTimeout(), Metrics),
		Matcher:   descriptor.NewMatcher(cfg.Match.Threshold, Metrics),
		Reader:    reader,
		Parser:    docparse.New(),
		Identity:  db,
		Documents: db,
		Metrics:   Metrics,
	}, pipeline.Settings{
		Document:     cfg.Constraints(docFacing),
		Face:         cfg.Constraints(faceFacing),
		ScanInterval: cfg.ScanInterval(),
	})
}

// sessionStore is the subset of store.Backend a capture session needs.
type sessionStore interface {
	pipeline.IdentityStore
	pipeline.DocumentStore
}

// runSession drives one interactive enrollment or verification from the terminal.
func runSession(ctx context.Context, mode pipeline.Mode, userID string, opts SessionOptions) error {
	engine := newEngine(Cfg)
	defer engine.Close()

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	e, err := engine.EnsureLoaded(ctx)
	if err != nil {
		utils.ShowError("Failed to start face engine", err, nil)
		return err
	}

	orch, err := buildPipeline(Cfg, engine, DB)
	if err != nil {
		utils.ShowError("Failed to build pipeline", err, nil)
		return err
	}
	defer orch.Close()

	in := bufio.NewReader(os.Stdin)
	start := orch.StartEnrollment
	if mode == pipeline.Verification {
		start = orch.StartVerification
	}

	// With a document photo the session can proceed without the document camera.
	if err := start(ctx, userID); err != nil && !(opts.DocumentPath != "" && types.KindOf(err) == types.KindDevice) {
		if !retryCamera(ctx, orch, in, opts, err) {
			return err
		}
	}

	if err := documentStage(ctx, orch, in, opts); err != nil {
		return err
	}
	if err := faceStage(ctx, orch, in, opts); err != nil {
		if types.KindOf(err) == types.KindOther {
			utils.ShowError("Capture failed", err, e.Cmd)
		}
		return err
	}
	return report(os.Stdout, orch.Result())
}

func documentStage(ctx context.Context, orch *pipeline.Orchestrator, in *bufio.Reader, opts SessionOptions) error {
	for {
		if opts.DocumentPath != "" {
			if err := uploadDocument(orch, opts.DocumentPath); err != nil {
				utils.ShowError("Could not read a barcode from the document photo", err, nil)
				return err
			}
		} else {
			err := waitUntil(ctx, "📄 Show the document barcode to the camera", func(bar *progressbar.ProgressBar) (bool, error) {
				return orch.State() == pipeline.DocumentCaptured, sessionFailure(orch)
			})
			if err != nil {
				if errors.Is(err, context.Canceled) || !retryCamera(ctx, orch, in, opts, err) {
					return err
				}
				continue
			}
		}

		printFields(os.Stdout, orch.Result())
		if opts.AssumeYes || confirm(in, "📝 Is this the right document?") {
			if err := orch.ConfirmDocument(ctx); err != nil {
				if types.KindOf(err) == types.KindDevice && retryCamera(ctx, orch, in, opts, err) {
					return nil
				}
				utils.ShowError("Failed to confirm document", err, nil)
				return err
			}
			return nil
		}
		if opts.DocumentPath != "" {
			return errors.New("document rejected")
		}
		if err := orch.RescanDocument(ctx); err != nil {
			return err
		}
	}
}

func uploadDocument(orch *pipeline.Orchestrator, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	img, _, err := docreader.LoadImage(f)
	if err != nil {
		return err
	}
	_, err = orch.UploadDocument(img)
	return err
}

func faceStage(ctx context.Context, orch *pipeline.Orchestrator, in *bufio.Reader, opts SessionOptions) error {
	for {
		err := waitUntil(ctx, "👤 Look at the camera", func(bar *progressbar.ProgressBar) (bool, error) {
			if err := sessionFailure(orch); err != nil {
				return false, err
			}
			bar.Describe(faceHint(orch.Signal()))
			return orch.CanCapture(), nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || !retryCamera(ctx, orch, in, opts, err) {
				return err
			}
			continue
		}

		if !opts.AssumeYes {
			fmt.Fprint(os.Stderr, "✅ Face centered. Press Enter to capture... ")
			if _, err := in.ReadString('\n'); err != nil && err != io.EOF {
				return err
			}
		}

		err = orch.Capture(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, types.ErrNotReady):
			fmt.Fprintln(os.Stderr, "⚠️  Face moved, hold still.")
		case types.KindOf(err) == types.KindCaptureFailure:
			fmt.Fprintf(os.Stderr, "⚠️  %v. Try again.\n", err)
		default:
			return err
		}
	}
}

// faceHint tells the person what the face signal loop sees.
func faceHint(sig types.FaceSignal) string {
	switch {
	case sig.FaceCount == 0:
		return "👤 No face in view"
	case sig.FaceCount > 1:
		return fmt.Sprintf("👥 %d faces in view, only one person please", sig.FaceCount)
	case !sig.Centered:
		return "↔️  Center your face in the frame"
	default:
		return "✅ Hold still"
	}
}

// sessionFailure reports a camera failure that ended the current stage.
func sessionFailure(orch *pipeline.Orchestrator) error {
	res := orch.Result()
	if res.State != pipeline.Failure.String() {
		return nil
	}
	if err := orch.Err(); err != nil {
		return err
	}
	return fmt.Errorf("session ended: %s", res.Reason)
}

// retryCamera offers the person a retry after a camera failure. It reports whether the
// session is running again.
func retryCamera(ctx context.Context, orch *pipeline.Orchestrator, in *bufio.Reader, opts SessionOptions, cause error) bool {
	if types.KindOf(cause) != types.KindDevice {
		utils.ShowError("Session failed", cause, nil)
		return false
	}
	for {
		utils.ShowError("Camera unavailable", cause, nil)
		if opts.AssumeYes || !confirm(in, "🔁 Retry the camera?") {
			return false
		}
		if cause = orch.Retry(ctx); cause == nil {
			return true
		}
		if types.KindOf(cause) != types.KindDevice {
			utils.ShowError("Retry failed", cause, nil)
			return false
		}
	}
}

// waitUntil spins until poll reports done or fails.
func waitUntil(ctx context.Context, desc string, poll func(bar *progressbar.ProgressBar) (bool, error)) error {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Finish()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		done, err := poll(bar)
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			bar.Add(1)
		}
	}
}

func printFields(w io.Writer, res pipeline.Snapshot) {
	if res.Code != nil {
		fmt.Fprintf(w, "📄 Decoded %s barcode\n", res.Code.Format)
	}
	keys := make([]string, 0, len(res.Fields))
	for k := range res.Fields {
		if k != types.FieldRaw {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tVALUE")
	fmt.Fprintln(tw, "-----\t-----")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\n", k, res.Fields[k])
	}
	fmt.Fprintf(tw, "%s\t%s\n", types.FieldRaw, truncate(res.Fields[types.FieldRaw], 60))
	tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// report prints the terminal outcome. A rejected verification is an error so scripts
// can branch on the exit code.
func report(w io.Writer, res pipeline.Snapshot) error {
	switch {
	case res.State == pipeline.Success.String() && res.Mode == pipeline.Enrollment.String():
		fmt.Fprintf(w, "✅ Enrolled %s\n", res.UserID)
		return nil
	case res.State == pipeline.Success.String():
		fmt.Fprintf(w, "✅ Identity verified: %s (distance %.4f, threshold %.2f)\n", res.UserID, res.Match.Distance, res.Match.Threshold)
		return nil
	case res.Reason == pipeline.ReasonNoMatch.String():
		fmt.Fprintf(w, "❌ Face does not match %s (distance %.4f, threshold %.2f)\n", res.UserID, res.Match.Distance, res.Match.Threshold)
	case res.Reason == pipeline.ReasonUnknownIdentity.String():
		fmt.Fprintf(w, "❌ %s is not enrolled\n", res.UserID)
	default:
		fmt.Fprintf(w, "❌ Session failed: %s %s\n", res.Reason, res.Error)
	}
	return fmt.Errorf("%s %s: %s", res.Mode, res.State, res.Reason)
}
