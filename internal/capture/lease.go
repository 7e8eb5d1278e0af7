package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/andresmejia3/idproof/internal/types"
)

// ErrReleased is returned by Next once the lease has been released.
var ErrReleased = errors.New("camera lease released")

// Lease is the exclusive right to read frames from the camera.
// Frames land in a single-slot mailbox: a new frame overwrites the old one, nothing queues.
type Lease struct {
	id          string
	constraints Constraints
	feed        Feed
	onFrame     func(*types.Frame)

	mu       sync.Mutex
	res      Resolution // requested size until the first frame reports the real one
	latest   *types.Frame
	lastRead uint64
	notify   chan struct{} // closed and replaced on every publish
	ended    bool          // feed closed on its own (device unplugged, process died)

	released    atomic.Bool
	releaseOnce sync.Once
	releaseErr  error
	pumpDone    chan struct{}
}

func newLease(c Constraints, res Resolution, feed Feed, onFrame func(*types.Frame)) *Lease {
	l := &Lease{
		id:          uuid.NewString(),
		constraints: c,
		res:         res,
		feed:        feed,
		onFrame:     onFrame,
		notify:      make(chan struct{}),
		pumpDone:    make(chan struct{}),
	}
	go l.pump()
	return l
}

func (l *Lease) pump() {
	defer close(l.pumpDone)
	for f := range l.feed.Frames() {
		if l.released.Load() {
			continue // drain until the feed closes
		}
		l.mu.Lock()
		if f.Width > 0 && f.Height > 0 && (f.Width != l.res.Width || f.Height != l.res.Height) {
			slog.Info("capture: device delivered a different frame size", "lease", l.id, "was", l.res, "now", Resolution{f.Width, f.Height})
			l.res = Resolution{f.Width, f.Height}
		}
		l.latest = f
		close(l.notify)
		l.notify = make(chan struct{})
		l.mu.Unlock()

		if l.onFrame != nil {
			l.onFrame(f)
		}
	}

	l.mu.Lock()
	l.ended = true
	close(l.notify)
	l.notify = make(chan struct{})
	l.mu.Unlock()
	if !l.released.Load() {
		slog.Warn("capture: camera feed ended unexpectedly", "lease", l.id, "facing", l.constraints.Facing)
	}
}

// ID identifies the lease in logs.
func (l *Lease) ID() string { return l.id }

// Facing is the camera this lease holds.
func (l *Lease) Facing() Facing { return l.constraints.Facing }

// Constraints are the constraints the lease was acquired with.
func (l *Lease) Constraints() Constraints { return l.constraints }

// Resolution is the negotiated frame size: what the device actually delivers
// once frames flow, the requested size before that.
func (l *Lease) Resolution() Resolution {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.res
}

// Live reports whether the lease still owns the device.
func (l *Lease) Live() bool {
	if l.released.Load() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.ended
}

// Latest returns the newest frame, or nil while the device is still buffering.
func (l *Lease) Latest() *types.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

// Next waits for a frame newer than the last one returned by Next.
// It fails with ErrReleased after Release and ErrDeviceUnavailable if the feed died.
func (l *Lease) Next(ctx context.Context) (*types.Frame, error) {
	for {
		if l.released.Load() {
			return nil, ErrReleased
		}
		l.mu.Lock()
		if l.latest != nil && l.latest.Seq > l.lastRead {
			f := l.latest
			l.lastRead = f.Seq
			l.mu.Unlock()
			return f, nil
		}
		if l.ended {
			l.mu.Unlock()
			return nil, fmt.Errorf("camera feed ended: %w", types.ErrDeviceUnavailable)
		}
		wait := l.notify
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Release stops the device and waits for the reader to exit. Idempotent.
func (l *Lease) Release() error {
	l.releaseOnce.Do(func() {
		l.released.Store(true)
		l.releaseErr = l.feed.Close()
		<-l.pumpDone

		// Wake any Next waiter so it observes the release.
		l.mu.Lock()
		close(l.notify)
		l.notify = make(chan struct{})
		l.mu.Unlock()
		slog.Debug("capture: camera released", "lease", l.id, "facing", l.constraints.Facing)
	})
	return l.releaseErr
}
