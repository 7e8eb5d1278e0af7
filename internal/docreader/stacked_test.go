package docreader

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/boombuler/barcode/pdf417"

	"github.com/andresmejia3/idproof/internal/metrics"
	"github.com/andresmejia3/idproof/internal/types"
	"github.com/andresmejia3/idproof/internal/worker"
)

const cardPayload = "GOMA800101HDFRRN09|GMRRAN80010109H400|IDMEX1234567890<<"

// pdf417Image renders a real PDF417 symbol with tall rows and a quiet zone.
func pdf417Image(t *testing.T, text string) image.Image {
	t.Helper()
	bc, err := pdf417.Encode(text, 2)
	if err != nil {
		t.Fatalf("Failed to encode PDF417: %v", err)
	}
	const sx, sy, quiet = 3, 9, 30

	b := bc.Bounds()
	img := image.NewGray(image.Rect(0, 0, b.Dx()*sx+2*quiet, b.Dy()*sy+2*quiet))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if color.GrayModel.Convert(bc.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y >= 128 {
				continue
			}
			for dy := 0; dy < sy; dy++ {
				for dx := 0; dx < sx; dx++ {
					img.SetGray(quiet+x*sx+dx, quiet+y*sy+dy, color.Gray{Y: 0})
				}
			}
		}
	}
	return img
}

// fakeStacked records what the reader sends and answers with canned codes.
type fakeStacked struct {
	mu    sync.Mutex
	codes []types.DecodedCode
	err   error
	calls int
	last  []byte
}

func (f *fakeStacked) DecodeBarcodes(ctx context.Context, img []byte) ([]types.DecodedCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = img
	return f.codes, f.err
}

func TestStacked_TriedFirst(t *testing.T) {
	stacked := &fakeStacked{codes: []types.DecodedCode{{RawText: cardPayload, Format: types.PDF417}}}
	m := metrics.New()
	r, err := NewReader(nil, m)
	if err != nil {
		t.Fatal(err)
	}
	r.WithStackedDecoder(stacked, time.Second)

	// The QR would decode too, but the stacked entry leads the strict tier.
	code, ok := r.Scan(qrImage(t, payload))
	if !ok || code.Format != types.PDF417 || code.RawText != cardPayload {
		t.Fatalf("Scan = %+v, %v; want the stacked code", code, ok)
	}
	if m.CodesDecoded.Load() != 1 {
		t.Errorf("Expected 1 decode, got %d", m.CodesDecoded.Load())
	}

	sent, err := png.Decode(bytes.NewReader(stacked.last))
	if err != nil {
		t.Fatalf("Stacked decoder did not receive a PNG: %v", err)
	}
	if sent.Bounds().Dx() != 250 || sent.Bounds().Dy() != 250 {
		t.Errorf("Stacked decoder got %v, want the full still", sent.Bounds())
	}
}

func TestStacked_MissFallsThrough(t *testing.T) {
	tests := []struct {
		name    string
		stacked *fakeStacked
	}{
		{"Engine error", &fakeStacked{err: errors.New("engine error: boom")}},
		{"Only other symbologies", &fakeStacked{codes: []types.DecodedCode{{RawText: "x", Format: types.QRCode}}}},
		{"Nothing found", &fakeStacked{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := NewReader(nil, nil)
			r.WithStackedDecoder(tt.stacked, time.Second)

			code, ok := r.Scan(qrImage(t, payload))
			if !ok || code.Format != types.QRCode {
				t.Errorf("Scan = %+v, %v; want the QR code", code, ok)
			}
			if tt.stacked.calls != 1 {
				t.Errorf("Expected 1 stacked call, got %d", tt.stacked.calls)
			}
		})
	}
}

func TestStacked_UnconfiguredIsSkipped(t *testing.T) {
	r, err := NewReader([]types.Symbology{types.PDF417}, nil)
	if err != nil {
		t.Fatalf("PDF417 must be accepted without a stacked decoder: %v", err)
	}
	if _, ok := r.Scan(qrImage(t, payload)); ok {
		t.Error("A PDF417-only strict tier should miss without a stacked decoder")
	}
}

func TestStacked_PermissiveTier(t *testing.T) {
	stacked := &fakeStacked{}
	r, _ := NewReader([]types.Symbology{types.QRCode}, nil)
	r.WithStackedDecoder(stacked, time.Second)

	// Strict tier is QR only, so PDF417 is reached in the permissive tier.
	stacked.codes = []types.DecodedCode{{RawText: cardPayload, Format: types.PDF417}}
	code, err := r.ScanImage(blankImage())
	if err != nil || code.Format != types.PDF417 {
		t.Fatalf("ScanImage = %+v, %v; want the stacked code", code, err)
	}
}

// TestStackedDecode_Engine decodes a real PDF417 symbol through the engine protocol.
func TestStackedDecode_Engine(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping engine test in short mode")
	}
	if err := exec.Command("python3", "-c", "import zxingcpp, PIL").Run(); err != nil {
		t.Skip("python3 with zxingcpp and Pillow is not available")
	}

	engine := worker.NewLoader(worker.EngineConfig{
		Command:     []string{"python3", "-u", "testdata/barcode_engine.py"},
		ReadTimeout: 20 * time.Second,
	})
	defer engine.Close()

	r, _ := NewReader(nil, metrics.New())
	r.WithStackedDecoder(engine, 20*time.Second)

	img := pdf417Image(t, cardPayload)
	code, err := r.ScanImage(img)
	if err != nil {
		t.Fatalf("ScanImage failed: %v", err)
	}
	if code.Format != types.PDF417 || code.RawText != cardPayload {
		t.Errorf("Unexpected code %+v", code)
	}

	// Live path: the poller hands the engine a grayscale still of the frame.
	feed := &frameFeed{}
	feed.set(pngFrame(t, img, 1))
	p := r.Poll(context.Background(), feed, 10*time.Millisecond)
	defer p.Stop()
	select {
	case code := <-p.Result():
		if code.RawText != cardPayload {
			t.Errorf("Unexpected live text %q", code.RawText)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("Live scan never decoded the PDF417 symbol")
	}
}
