package docreader

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/idproof/internal/capture"
	"github.com/andresmejia3/idproof/internal/types"
)

// DefaultInterval is the minimum gap between live decode attempts.
const DefaultInterval = 400 * time.Millisecond

// MaxStillWidth bounds the offscreen still; larger frames are scaled down.
const MaxStillWidth = 1920

// Still renders img into a fresh grayscale buffer, scaling it down if wider than maxWidth.
// Decoding the copy keeps the decoder off the live frame buffer.
func Still(img image.Image, maxWidth int) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxWidth > 0 && w > maxWidth {
		h = h * maxWidth / w
		w = maxWidth
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if w == b.Dx() {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	}
	return dst
}

// Poller is a throttled scanning session over a frame source. It decodes at most once:
// after the first success it stops itself and delivers exactly one code.
type Poller struct {
	r        *Reader
	src      capture.FrameSource
	interval time.Duration
	cancel   context.CancelFunc

	active   atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	result   chan types.DecodedCode
	lastSeq  uint64
}

// Poll starts a scanning session. The caller keeps ownership of src and must Stop
// the poller before releasing it.
func (r *Reader) Poll(ctx context.Context, src capture.FrameSource, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Poller{
		r:        r,
		src:      src,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
		result:   make(chan types.DecodedCode, 1),
	}
	p.active.Store(true)
	r.metrics.ActiveLoops.Add(1)
	go p.run(ctx)
	return p
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer p.r.metrics.ActiveLoops.Add(-1)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if code, ok := p.attempt(); ok {
				// Stop may have landed mid-decode.
				if !p.active.CompareAndSwap(true, false) {
					return
				}
				p.result <- code
				slog.Info("docreader: code decoded", "format", code.Format, "bytes", len(code.RawText))
				return
			}
		}
	}
}

func (p *Poller) attempt() (types.DecodedCode, bool) {
	frame := p.src.Latest()
	if frame == nil || frame.Seq == p.lastSeq {
		return types.DecodedCode{}, false
	}
	img, err := frame.Image()
	if err != nil {
		return types.DecodedCode{}, false
	}
	p.lastSeq = frame.Seq
	p.r.metrics.ScanAttempts.Add(1)
	return p.r.Scan(Still(img, MaxStillWidth))
}

// Result delivers the single decoded code. It never fires if the session is stopped first.
func (p *Poller) Result() <-chan types.DecodedCode {
	return p.result
}

// Active reports whether the poller is still scanning.
func (p *Poller) Active() bool {
	return p.active.Load()
}

// Stop ends the session and waits for the in-flight attempt. Idempotent.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.active.Store(false)
		p.cancel()
		<-p.done
	})
}
