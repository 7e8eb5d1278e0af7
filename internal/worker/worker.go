package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/idproof/internal/types"
	"github.com/andresmejia3/idproof/internal/utils"
)

// Request opcodes understood by the face engine.
const (
	OpDetect  byte = 'D' // face boxes + designated landmark
	OpEmbed   byte = 'E' // face boxes + landmark + descriptor
	OpBarcode byte = 'B' // every barcode zxing-cpp finds in the image
)

// Response status bytes.
const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxResponse guards against a corrupted length header allocating gigabytes.
const maxResponse = 64 * 1024 * 1024

// EngineConfig controls how the face engine process is spawned.
type EngineConfig struct {
	Command     []string      // e.g. ["python3", "-u", "python/engine.py"]
	Model       string        // descriptor model tag, passed as --model
	ReadTimeout time.Duration // per-request read deadline (0 = none)
}

// FaceEngine is a long-lived inference process spoken to over a length-prefixed binary protocol.
type FaceEngine struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	readTimeout time.Duration
	mu          sync.Mutex // one request in flight per process
	broken      atomic.Bool
	closeOnce   sync.Once
}

// NewFaceEngine starts the engine process and wires the FD 3 side channel.
func NewFaceEngine(ctx context.Context, id int, cfg EngineConfig) (*FaceEngine, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	args := append([]string{}, cfg.Command[1:]...)
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	proc := utils.NewSafeCommand(ctx, cfg.Command[0], args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	slog.Debug("worker: face engine started", "id", id, "pid", proc.Process.Pid)

	return &FaceEngine{
		ID:          id,
		Cmd:         proc,
		Stdin:       stdin,
		DataPipe:    r,
		readTimeout: cfg.ReadTimeout,
	}, nil
}

// Detect runs detection + landmarking only. Used by the face signal loop.
func (e *FaceEngine) Detect(ctx context.Context, frame []byte) ([]types.FaceResult, error) {
	return e.call(ctx, OpDetect, frame)
}

// Embed runs the full detection + landmark + descriptor pass. Used at capture time.
func (e *FaceEngine) Embed(ctx context.Context, frame []byte) ([]types.FaceResult, error) {
	return e.call(ctx, OpEmbed, frame)
}

// DecodeBarcodes asks the engine's zxing-cpp build for every barcode in an encoded
// image. It covers the stacked symbology gozxing cannot read.
func (e *FaceEngine) DecodeBarcodes(ctx context.Context, img []byte) ([]types.DecodedCode, error) {
	resp, err := e.roundTrip(ctx, OpBarcode, img)
	if err != nil {
		return nil, err
	}
	return parseBarcodes(resp)
}

func (e *FaceEngine) call(ctx context.Context, op byte, frame []byte) ([]types.FaceResult, error) {
	resp, err := e.roundTrip(ctx, op, frame)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (e *FaceEngine) roundTrip(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	resp, err := e.communicate(append([]byte{op}, payload...))
	if err != nil {
		// A half-read response desynchronizes the stream; the engine must be respawned.
		e.broken.Store(true)
		return nil, fmt.Errorf("engine %d transport: %w", e.ID, err)
	}
	return resp, nil
}

// communicate sends one framed request and reads one framed response.
// Protocol: [Length uint32 BE][Data]
func (e *FaceEngine) communicate(data []byte) ([]byte, error) {
	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := e.Stdin.Write(data); err != nil {
		return nil, err
	}

	if e.readTimeout > 0 {
		if d, ok := e.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = d.SetReadDeadline(time.Now().Add(e.readTimeout))
		}
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(e.DataPipe, header); err != nil {
		return nil, err // This is where we catch an engine crash (e.g. missing module)
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("engine response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(e.DataPipe, respBody)
	return respBody, err
}

// parseResponse decodes a response body.
//
// OK:    [Status:0][NumFaces u32] then per face [Box 4xint32][Landmark 2xfloat32][Dim u32][Vec Dim x float32]
// Error: [Status:1][MsgLen u32][Msg]
func parseResponse(body []byte) ([]types.FaceResult, error) {
	r, err := openResponse(body)
	if err != nil {
		return nil, err
	}

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("malformed face count: %w", err)
	}

	faces := make([]types.FaceResult, 0, numFaces)
	for i := uint32(0); i < numFaces; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("face %d: malformed box: %w", i, err)
		}
		var lm [2]float32
		if err := binary.Read(r, binary.BigEndian, &lm); err != nil {
			return nil, fmt.Errorf("face %d: malformed landmark: %w", i, err)
		}
		var dim uint32
		if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
			return nil, fmt.Errorf("face %d: malformed descriptor length: %w", i, err)
		}
		if int64(dim)*4 > int64(r.Len()) {
			return nil, fmt.Errorf("face %d: descriptor length %d exceeds payload", i, dim)
		}
		raw := make([]float32, dim)
		if err := binary.Read(r, binary.BigEndian, raw); err != nil {
			return nil, fmt.Errorf("face %d: malformed descriptor: %w", i, err)
		}

		face := types.FaceResult{
			Loc:      [4]int{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
			Landmark: [2]float64{float64(lm[0]), float64(lm[1])},
		}
		if dim > 0 {
			face.Vec = make([]float64, dim)
			for j, v := range raw {
				if math.IsNaN(float64(v)) {
					return nil, fmt.Errorf("face %d: NaN in descriptor", i)
				}
				face.Vec[j] = float64(v)
			}
		}
		faces = append(faces, face)
	}
	return faces, nil
}

// parseBarcodes decodes an OpBarcode response body.
//
// OK: [Status:0][NumCodes u32] then per code [FormatLen u32][Format][TextLen u32][Text]
func parseBarcodes(body []byte) ([]types.DecodedCode, error) {
	r, err := openResponse(body)
	if err != nil {
		return nil, err
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed barcode count: %w", err)
	}
	codes := make([]types.DecodedCode, 0, min(int(n), 16))
	for i := uint32(0); i < n; i++ {
		format, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("barcode %d: malformed format: %w", i, err)
		}
		text, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("barcode %d: malformed text: %w", i, err)
		}
		codes = append(codes, types.DecodedCode{RawText: text, Format: engineSymbology(format)})
	}
	return codes, nil
}

// openResponse consumes the status byte. An error status becomes a Go error.
// Error: [Status:1][MsgLen u32][Msg]
func openResponse(body []byte) (*bytes.Reader, error) {
	r := bytes.NewReader(body)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty engine response: %w", err)
	}

	switch status {
	case statusOK:
		return r, nil
	case statusError:
		msg, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("malformed engine error: %w", err)
		}
		return nil, fmt.Errorf("engine error: %s", msg)
	}
	return nil, fmt.Errorf("unknown engine status %d", status)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int64(n) > int64(r.Len()) {
		return "", fmt.Errorf("length %d exceeds payload", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// engineSymbology maps zxing-cpp format names ("PDF417", "QRCode", "DataMatrix",
// "Code128") onto ours.
func engineSymbology(name string) types.Symbology {
	name = strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(name))
	return types.ParseSymbology(name)
}

// Broken reports whether a transport failure left the protocol stream unusable.
func (e *FaceEngine) Broken() bool {
	return e.broken.Load()
}

// Close shuts the engine down and reaps the process. Safe to call more than once.
func (e *FaceEngine) Close() {
	e.closeOnce.Do(func() {
		e.Stdin.Close()
		e.DataPipe.Close()
		if e.Cmd != nil {
			if err := e.Cmd.Wait(); err != nil && !errors.Is(err, os.ErrClosed) {
				slog.Debug("worker: face engine exited", "id", e.ID, "err", err)
			}
		}
	})
}
