// Package facesignal runs the periodic face presence / centering check that gates capture.
package facesignal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/idproof/internal/capture"
	"github.com/andresmejia3/idproof/internal/metrics"
	"github.com/andresmejia3/idproof/internal/types"
)

// DefaultRefresh is one display refresh at 30Hz.
const DefaultRefresh = time.Second / 30

// Landmarker finds faces and their designated landmark. Implemented by worker.Loader.
type Landmarker interface {
	Detect(ctx context.Context, frame []byte) ([]types.FaceResult, error)
}

// CenterBox is the normalized region the landmark must fall in.
type CenterBox struct {
	MinX float64 `yaml:"min_x"`
	MaxX float64 `yaml:"max_x"`
	MinY float64 `yaml:"min_y"`
	MaxY float64 `yaml:"max_y"`
}

// DefaultCenterBox is the middle 40% of the frame on both axes.
var DefaultCenterBox = CenterBox{MinX: 0.30, MaxX: 0.70, MinY: 0.30, MaxY: 0.70}

// Contains reports whether the normalized point (x, y) is inside the box (inclusive).
func (b CenterBox) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Validate rejects boxes outside [0,1] or with inverted edges.
func (b CenterBox) Validate() error {
	if b.MinX < 0 || b.MaxX > 1 || b.MinY < 0 || b.MaxY > 1 || b.MinX >= b.MaxX || b.MinY >= b.MaxY {
		return fmt.Errorf("invalid center box %+v", b)
	}
	return nil
}

// Config tunes the loop.
type Config struct {
	Refresh       time.Duration
	Box           CenterBox
	DetectTimeout time.Duration // per tick; 0 = refresh interval * 10
}

// Detector evaluates frames against the centering policy.
type Detector struct {
	engine  Landmarker
	cfg     Config
	metrics *metrics.Metrics
}

// New builds a detector. Zero config values fall back to defaults.
func New(engine Landmarker, cfg Config, m *metrics.Metrics) *Detector {
	if cfg.Refresh <= 0 {
		cfg.Refresh = DefaultRefresh
	}
	if cfg.Box == (CenterBox{}) {
		cfg.Box = DefaultCenterBox
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = cfg.Refresh * 10
	}
	if m == nil {
		m = metrics.New()
	}
	return &Detector{engine: engine, cfg: cfg, metrics: m}
}

// Evaluate runs one detection on a decodable frame and applies the centering policy.
func (d *Detector) Evaluate(ctx context.Context, frame *types.Frame) (types.FaceSignal, error) {
	faces, err := d.engine.Detect(ctx, frame.Data)
	if err != nil {
		return types.FaceSignal{}, fmt.Errorf("%w: %v", types.ErrDetectionFailed, err)
	}
	sig := types.FaceSignal{FaceCount: len(faces), Timestamp: frame.Timestamp}
	if len(faces) != 1 {
		return sig, nil
	}

	w, h := frame.Width, frame.Height
	if w <= 0 || h <= 0 {
		img, err := frame.Image()
		if err != nil {
			return types.FaceSignal{}, fmt.Errorf("%w: %v", types.ErrDetectionFailed, err)
		}
		w, h = img.Bounds().Dx(), img.Bounds().Dy()
	}
	x := faces[0].Landmark[0] / float64(w)
	y := faces[0].Landmark[1] / float64(h)
	sig.Centered = d.cfg.Box.Contains(x, y)
	return sig, nil
}

// Start launches the loop over src. The caller owns src (the camera lease) and must Stop the
// loop before releasing it.
func (d *Detector) Start(ctx context.Context, src capture.FrameSource) *Loop {
	ctx, cancel := context.WithCancel(ctx)
	l := &Loop{
		d:       d,
		src:     src,
		cancel:  cancel,
		signals: make(chan types.FaceSignal, 1),
		done:    make(chan struct{}),
	}
	l.active.Store(true)
	d.metrics.ActiveLoops.Add(1)
	go l.run(ctx)
	return l
}

// Loop is a running face signal detector.
type Loop struct {
	d      *Detector
	src    capture.FrameSource
	cancel context.CancelFunc

	active   atomic.Bool
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	latest  types.FaceSignal
	lastSeq uint64
	signals chan types.FaceSignal
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	defer l.d.metrics.ActiveLoops.Add(-1)

	ticker := time.NewTicker(l.d.cfg.Refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick is strictly sequential: the next tick cannot start until this one returns.
func (l *Loop) tick(ctx context.Context) {
	frame := l.src.Latest()
	if frame == nil || frame.Seq == l.lastSeq || !frame.Decodable() {
		l.d.metrics.SignalSkipped.Add(1)
		return
	}
	l.lastSeq = frame.Seq
	l.d.metrics.SignalTicks.Add(1)

	tctx, cancel := context.WithTimeout(ctx, l.d.cfg.DetectTimeout)
	defer cancel()
	sig, err := l.d.Evaluate(tctx, frame)
	if err != nil {
		l.d.metrics.DetectionFailures.Add(1)
		slog.Debug("facesignal: detection failed, retrying next tick", "seq", frame.Seq, "err", err)
		return
	}

	// Stop may have landed while Detect was in flight.
	if !l.active.Load() {
		return
	}
	l.publish(sig)
}

func (l *Loop) publish(sig types.FaceSignal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latest = sig
	select {
	case <-l.signals:
	default:
	}
	l.signals <- sig
}

// Latest returns the newest published signal. Zero value before the first tick.
func (l *Loop) Latest() types.FaceSignal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

// Signals delivers only the newest signal; readers that fall behind see the latest value.
func (l *Loop) Signals() <-chan types.FaceSignal {
	return l.signals
}

// Active reports whether the loop is still running.
func (l *Loop) Active() bool {
	return l.active.Load()
}

// Stop cancels the loop and waits for the in-flight tick to finish. Idempotent.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.active.Store(false)
		l.cancel()
		<-l.done
	})
}
