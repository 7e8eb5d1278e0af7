package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andresmejia3/idproof/internal/types"
)

// Loader owns the process-wide face engine. The engine is spawned lazily on first use
// and respawned if a transport failure broke it.
type Loader struct {
	cfg EngineConfig

	mu      sync.Mutex
	engine  *FaceEngine
	spawned int
	closed  bool
}

// NewLoader prepares (but does not start) the shared engine.
func NewLoader(cfg EngineConfig) *Loader {
	return &Loader{cfg: cfg}
}

// EnsureLoaded returns the running engine, starting it if needed.
// Concurrent callers share a single spawn.
func (l *Loader) EnsureLoaded(ctx context.Context) (*FaceEngine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, fmt.Errorf("face engine loader is closed")
	}
	if l.engine != nil && !l.engine.Broken() {
		return l.engine, nil
	}
	if l.engine != nil {
		slog.Warn("worker: respawning broken face engine", "id", l.engine.ID)
		l.engine.Close()
		l.engine = nil
	}

	// The engine outlives the request that triggered the spawn.
	e, err := NewFaceEngine(context.WithoutCancel(ctx), l.spawned, l.cfg)
	if err != nil {
		return nil, err
	}
	l.spawned++
	l.engine = e
	return e, nil
}

// Detect implements facesignal.Landmarker on top of the shared engine.
func (l *Loader) Detect(ctx context.Context, frame []byte) ([]types.FaceResult, error) {
	e, err := l.EnsureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	return e.Detect(ctx, frame)
}

// Embed implements descriptor.Embedder on top of the shared engine.
func (l *Loader) Embed(ctx context.Context, frame []byte) ([]types.FaceResult, error) {
	e, err := l.EnsureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	return e.Embed(ctx, frame)
}

// DecodeBarcodes implements docreader.StackedDecoder on top of the shared engine.
func (l *Loader) DecodeBarcodes(ctx context.Context, img []byte) ([]types.DecodedCode, error) {
	e, err := l.EnsureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	return e.DecodeBarcodes(ctx, img)
}

// Model returns the descriptor model tag stored alongside enrollments.
func (l *Loader) Model() string {
	return l.cfg.Model
}

// Close stops the engine. Further EnsureLoaded calls fail.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.engine != nil {
		l.engine.Close()
		l.engine = nil
	}
	l.closed = true
}
