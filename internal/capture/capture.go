// Package capture owns the camera device handle.
//
// A Surface hands out at most one live Lease at a time. The lease is the
// exclusive capability over the device: whichever detector holds it is the
// only consumer of frames, and it must be released (device stopped, reader
// joined) before anyone can acquire again, including a facing switch.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andresmejia3/idproof/internal/types"
)

// Facing selects which physical camera is opened.
type Facing int

const (
	FacingUser        Facing = iota // front camera, selfies
	FacingEnvironment               // back camera, documents
)

func (f Facing) String() string {
	if f == FacingEnvironment {
		return "environment"
	}
	return "user"
}

// Opposite returns the other facing.
func (f Facing) Opposite() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// ParseFacing accepts "user"/"front" and "environment"/"back".
func ParseFacing(s string) (Facing, error) {
	switch s {
	case "user", "front":
		return FacingUser, nil
	case "environment", "back":
		return FacingEnvironment, nil
	}
	return FacingUser, fmt.Errorf("unknown facing %q (use user or environment)", s)
}

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Constraints is the acquisition request. Ideal is tried first, then Min.
type Constraints struct {
	Facing    Facing
	Ideal     Resolution
	Min       Resolution
	FrameRate float64
}

// FrameSource is what detectors consume. Implemented by *Lease.
type FrameSource interface {
	// Latest returns the newest frame, or nil while the device is still buffering.
	Latest() *types.Frame
	// Next blocks until a frame newer than the last one returned by Next arrives.
	Next(ctx context.Context) (*types.Frame, error)
}

// Feed is a running device stream.
type Feed interface {
	// Frames is closed when the device stops delivering.
	Frames() <-chan *types.Frame
	// Close stops the device and waits until the underlying handle is gone.
	Close() error
}

// Device opens a physical camera at a given facing and size.
type Device interface {
	Open(ctx context.Context, facing Facing, res Resolution, fps float64) (Feed, error)
}

// Surface arbitrates the single camera device.
type Surface struct {
	dev Device

	mu      sync.Mutex
	lease   *Lease
	onFrame func(*types.Frame)
}

// NewSurface wraps a device.
func NewSurface(dev Device) *Surface {
	return &Surface{dev: dev}
}

// OnFrameReady registers a callback invoked for every frame of every lease (preview hook).
// The callback runs on the reader goroutine and must not block.
func (s *Surface) OnFrameReady(cb func(*types.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFrame = cb
}

// Acquire opens the device. It fails with ErrDeviceBusy while another lease is live,
// and never retries a permission denial.
func (s *Surface) Acquire(ctx context.Context, c Constraints) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquireLocked(ctx, c)
}

func (s *Surface) acquireLocked(ctx context.Context, c Constraints) (*Lease, error) {
	if s.lease != nil && s.lease.Live() {
		return nil, fmt.Errorf("acquire %s camera: %w", c.Facing, types.ErrDeviceBusy)
	}

	feed, res, err := s.negotiate(ctx, c)
	if err != nil {
		return nil, err
	}

	l := newLease(c, res, feed, s.onFrame)
	s.lease = l
	slog.Info("capture: camera acquired", "facing", c.Facing, "resolution", res, "lease", l.id)
	return l, nil
}

// negotiate tries the ideal resolution, then the minimum.
func (s *Surface) negotiate(ctx context.Context, c Constraints) (Feed, Resolution, error) {
	candidates := []Resolution{c.Ideal}
	if c.Min != c.Ideal && c.Min.Width > 0 {
		candidates = append(candidates, c.Min)
	}

	var lastErr error
	for _, res := range candidates {
		feed, err := s.dev.Open(ctx, c.Facing, res, c.FrameRate)
		if err == nil {
			return feed, res, nil
		}
		lastErr = err
		if errors.Is(err, types.ErrPermissionDenied) || ctx.Err() != nil {
			break
		}
		slog.Debug("capture: resolution rejected", "facing", c.Facing, "resolution", res, "err", err)
	}
	if !errors.Is(lastErr, types.ErrPermissionDenied) && !errors.Is(lastErr, types.ErrDeviceUnavailable) && ctx.Err() == nil {
		lastErr = fmt.Errorf("%w: %v", types.ErrDeviceUnavailable, lastErr)
	}
	return nil, Resolution{}, fmt.Errorf("acquire %s camera: %w", c.Facing, lastErr)
}

// SwitchFacing fully releases the live lease and then acquires the opposite facing
// with the same constraints. The two handles never overlap.
func (s *Surface) SwitchFacing(ctx context.Context) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lease == nil {
		return nil, fmt.Errorf("switch facing: no camera acquired")
	}
	c := s.lease.constraints
	c.Facing = c.Facing.Opposite()

	if err := s.lease.Release(); err != nil {
		slog.Warn("capture: release during facing switch failed", "err", err)
	}
	s.lease = nil
	return s.acquireLocked(ctx, c)
}

// Release stops the live lease, if any. Safe on every teardown path.
func (s *Surface) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease == nil {
		return nil
	}
	err := s.lease.Release()
	s.lease = nil
	return err
}

// Current returns the live lease, or nil.
func (s *Surface) Current() *Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease != nil && s.lease.Live() {
		return s.lease
	}
	return nil
}
