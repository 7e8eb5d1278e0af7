// Package descriptor turns a captured face into a fixed-length descriptor and compares descriptors.
package descriptor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/idproof/internal/metrics"
	"github.com/andresmejia3/idproof/internal/types"
)

// Embedder runs detection + landmark + descriptor on one frame. Implemented by worker.Loader.
type Embedder interface {
	Embed(ctx context.Context, frame []byte) ([]types.FaceResult, error)
}

// Extractor produces one descriptor per explicit capture.
type Extractor struct {
	engine  Embedder
	dim     int
	timeout time.Duration
	metrics *metrics.Metrics
	busy    atomic.Bool
}

// NewExtractor wraps an embedder. dim 0 selects types.DescriptorDim.
func NewExtractor(engine Embedder, dim int, timeout time.Duration, m *metrics.Metrics) *Extractor {
	if dim <= 0 {
		dim = types.DescriptorDim
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Extractor{engine: engine, dim: dim, timeout: timeout, metrics: m}
}

// Extract always runs a fresh full pass on the captured frame; the face signal loop's
// result is never reused. Fails with ErrNoFaceFound or ErrAmbiguousFaces, and ErrBusy
// while another extraction is in flight.
func (e *Extractor) Extract(ctx context.Context, frame *types.Frame) (types.Descriptor, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("extract: %w", types.ErrBusy)
	}
	defer e.busy.Store(false)

	if frame == nil || len(frame.Data) == 0 {
		return nil, fmt.Errorf("extract: empty frame: %w", types.ErrNoFaceFound)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	faces, err := e.engine.Embed(ctx, frame.Data)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	if e.metrics != nil {
		e.metrics.Extractions.Add(1)
	}

	switch len(faces) {
	case 0:
		e.captureFailed()
		return nil, types.ErrNoFaceFound
	case 1:
	default:
		e.captureFailed()
		return nil, fmt.Errorf("%w (%d)", types.ErrAmbiguousFaces, len(faces))
	}

	vec := faces[0].Vec
	if len(vec) != e.dim {
		if e.metrics != nil {
			e.metrics.LengthMismatches.Add(1)
		}
		return nil, fmt.Errorf("extract: engine returned %d-d descriptor, want %d: %w", len(vec), e.dim, types.ErrLengthMismatch)
	}
	slog.Debug("descriptor: extracted", "seq", frame.Seq, "took", time.Since(start))
	return types.Descriptor(vec).Clone(), nil
}

func (e *Extractor) captureFailed() {
	if e.metrics != nil {
		e.metrics.CaptureFailures.Add(1)
	}
}
