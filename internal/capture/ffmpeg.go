package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/idproof/internal/types"
	"github.com/andresmejia3/idproof/internal/utils"
)

// DefaultStartupTimeout bounds how long Open waits for the first frame.
const DefaultStartupTimeout = 5 * time.Second

// FFmpegDevice reads MJPEG frames from an ffmpeg child process.
type FFmpegDevice struct {
	InputFormat    string            // v4l2, avfoundation, dshow
	Paths          map[Facing]string // facing -> device path/name
	StartupTimeout time.Duration
}

// Open starts ffmpeg and blocks until the first frame arrives or the process gives up.
func (d *FFmpegDevice) Open(ctx context.Context, facing Facing, res Resolution, fps float64) (Feed, error) {
	path, ok := d.Paths[facing]
	if !ok || path == "" {
		return nil, fmt.Errorf("no %s camera configured: %w", facing, types.ErrDeviceUnavailable)
	}
	if err := probeNode(path); err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	proc := utils.NewFFmpegCaptureCmd(procCtx, utils.CaptureArgs{
		InputFormat: d.InputFormat,
		Device:      path,
		Width:       res.Width,
		Height:      res.Height,
		FrameRate:   fps,
	})
	stdout, err := proc.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := proc.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg start: %w: %v", types.ErrDeviceUnavailable, err)
	}

	f := newFFmpegFeed(proc, cancel)
	go f.read(bufio.NewScanner(stdout))

	timeout := d.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.ready:
		slog.Debug("capture: ffmpeg streaming", "device", path, "resolution", res, "pid", proc.Process.Pid)
		return f, nil
	case <-f.exited:
		f.Close()
		return nil, classifyFFmpeg(f.waitErr, proc.Stderr.String())
	case <-timer.C:
		f.Close()
		return nil, fmt.Errorf("no frame from %s within %s: %w", path, timeout, types.ErrDeviceUnavailable)
	case <-ctx.Done():
		f.Close()
		return nil, ctx.Err()
	}
}

// probeNode catches the common v4l2 failures before spawning anything.
func probeNode(path string) error {
	if !strings.HasPrefix(path, "/dev/") {
		return nil
	}
	fh, err := os.OpenFile(path, os.O_RDONLY, 0)
	switch {
	case err == nil:
		fh.Close()
		return nil
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s: %w", path, types.ErrPermissionDenied)
	default:
		return fmt.Errorf("%s: %w", path, types.ErrDeviceUnavailable)
	}
}

// classifyFFmpeg maps an early ffmpeg exit onto the capture error taxonomy.
func classifyFFmpeg(waitErr error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" && waitErr != nil {
		msg = waitErr.Error()
	}
	if msg == "" {
		msg = "ffmpeg exited before the first frame"
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "permission denied") || strings.Contains(lower, "not authorized") {
		return fmt.Errorf("%w: %s", types.ErrPermissionDenied, msg)
	}
	return fmt.Errorf("%w: %s", types.ErrDeviceUnavailable, msg)
}

type ffmpegFeed struct {
	proc   *utils.SafeCommand
	cancel context.CancelFunc

	frames    chan *types.Frame
	ready     chan struct{}
	exited    chan struct{}
	waitErr   error
	closeOnce sync.Once
}

func newFFmpegFeed(proc *utils.SafeCommand, cancel context.CancelFunc) *ffmpegFeed {
	return &ffmpegFeed{
		proc:   proc,
		cancel: cancel,
		frames: make(chan *types.Frame, 1),
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (f *ffmpegFeed) Frames() <-chan *types.Frame { return f.frames }

func (f *ffmpegFeed) read(scanner *bufio.Scanner) {
	defer close(f.exited)
	defer close(f.frames)
	f.scan(scanner)
	f.waitErr = f.proc.Wait()
}

// scan publishes every JPEG on the stream. Frame size is read from the JPEG header;
// a device may deliver a size other than the one ffmpeg asked for.
func (f *ffmpegFeed) scan(scanner *bufio.Scanner) {
	// 1MB Buffer for 4K frames
	buf := make([]byte, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)
	scanner.Split(utils.SplitJpeg)

	var seq uint64
	for scanner.Scan() {
		// The scanner reuses its buffer; published frames must own their bytes.
		data := make([]byte, len(scanner.Bytes()))
		copy(data, scanner.Bytes())
		seq++
		frame := types.NewFrame(data, 0, 0, time.Now(), seq)
		if seq == 1 {
			close(f.ready)
		}

		// Drop the stale frame instead of queuing behind a slow consumer.
		select {
		case f.frames <- frame:
		default:
			select {
			case <-f.frames:
			default:
			}
			select {
			case f.frames <- frame:
			default:
			}
		}
	}
}

// Close kills ffmpeg and waits for the reader to reap it.
func (f *ffmpegFeed) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		<-f.exited
	})
	return nil
}
