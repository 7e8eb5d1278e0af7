// Package docreader decodes identity-document barcodes from live frames and uploaded images.
package docreader

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"sync"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/aztec"
	"github.com/makiuchi-d/gozxing/datamatrix"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/andresmejia3/idproof/internal/metrics"
	"github.com/andresmejia3/idproof/internal/types"
)

// DefaultFormats is the strict-tier reader order. The stacked format on the back of
// the identity card comes first; the rest cover other issuance generations.
var DefaultFormats = []types.Symbology{
	types.PDF417,
	types.QRCode,
	types.DataMatrix,
	types.Code128,
	types.Code39,
}

// allFormats is the permissive-tier order.
var allFormats = []types.Symbology{types.PDF417, types.QRCode, types.DataMatrix, types.Aztec, types.Code128, types.Code39}

// StackedDecoder reads symbologies gozxing has no reader for (PDF417). Implemented by
// worker.Loader through the engine's zxing-cpp build.
type StackedDecoder interface {
	DecodeBarcodes(ctx context.Context, img []byte) ([]types.DecodedCode, error)
}

// DefaultStackedTimeout bounds one stacked decode round trip.
const DefaultStackedTimeout = 2 * time.Second

var zxingFormats = map[types.Symbology]gozxing.BarcodeFormat{
	types.QRCode:     gozxing.BarcodeFormat_QR_CODE,
	types.DataMatrix: gozxing.BarcodeFormat_DATA_MATRIX,
	types.Aztec:      gozxing.BarcodeFormat_AZTEC,
	types.Code128:    gozxing.BarcodeFormat_CODE_128,
	types.Code39:     gozxing.BarcodeFormat_CODE_39,
}

func newZXingReader(s types.Symbology) gozxing.Reader {
	switch s {
	case types.QRCode:
		return qrcode.NewQRCodeReader()
	case types.DataMatrix:
		return datamatrix.NewDataMatrixReader()
	case types.Aztec:
		return aztec.NewAztecReader()
	case types.Code128:
		return oned.NewCode128Reader()
	case types.Code39:
		return oned.NewCode39Reader()
	}
	return nil
}

func symbologyOf(f gozxing.BarcodeFormat) types.Symbology {
	for s, zf := range zxingFormats {
		if zf == f {
			return s
		}
	}
	return types.SymbologyUnknown
}

// chainEntry is one reader in a tier. A nil reader means the stacked decoder.
type chainEntry struct {
	format types.Symbology
	reader gozxing.Reader
}

// Reader runs an ordered chain of barcode readers. gozxing readers keep per-decode
// state, so a Reader serializes its decodes.
type Reader struct {
	mu             sync.Mutex
	strict         []chainEntry
	permissive     []chainEntry
	strictHints    map[gozxing.DecodeHintType]interface{}
	stacked        StackedDecoder
	stackedTimeout time.Duration
	warnOnce       sync.Once
	metrics        *metrics.Metrics
}

// NewReader builds a reader whose strict tier tries formats in order. The permissive
// tier always tries every supported symbology.
func NewReader(formats []types.Symbology, m *metrics.Metrics) (*Reader, error) {
	if len(formats) == 0 {
		formats = DefaultFormats
	}
	if m == nil {
		m = metrics.New()
	}
	r := &Reader{metrics: m}

	possible := make([]gozxing.BarcodeFormat, 0, len(formats))
	for _, f := range formats {
		if f == types.PDF417 {
			r.strict = append(r.strict, chainEntry{format: f})
			continue
		}
		zr := newZXingReader(f)
		if zr == nil {
			return nil, fmt.Errorf("unsupported symbology %q", f)
		}
		r.strict = append(r.strict, chainEntry{format: f, reader: zr})
		possible = append(possible, zxingFormats[f])
	}
	for _, f := range allFormats {
		r.permissive = append(r.permissive, chainEntry{format: f, reader: newZXingReader(f)})
	}

	r.strictHints = map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_POSSIBLE_FORMATS: possible,
		gozxing.DecodeHintType_TRY_HARDER:       true,
		gozxing.DecodeHintType_CHARACTER_SET:    "ISO-8859-1",
	}
	return r, nil
}

// WithStackedDecoder enables the PDF417 entries of both tiers. Without one they are
// skipped. A timeout <= 0 uses DefaultStackedTimeout.
func (r *Reader) WithStackedDecoder(d StackedDecoder, timeout time.Duration) *Reader {
	if timeout <= 0 {
		timeout = DefaultStackedTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stacked = d
	r.stackedTimeout = timeout
	return r
}

var (
	defaultOnce   sync.Once
	defaultReader *Reader
)

// Default returns the process-wide reader, created on first use.
func Default() *Reader {
	defaultOnce.Do(func() {
		// DefaultFormats only holds supported symbologies.
		defaultReader, _ = NewReader(DefaultFormats, nil)
	})
	return defaultReader
}

// Scan makes one strict-tier attempt. A miss is the normal steady state while scanning.
func (r *Reader) Scan(img image.Image) (types.DecodedCode, bool) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		slog.Debug("docreader: cannot binarize frame", "err", err)
		return types.DecodedCode{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decodeChain(img, bmp, r.strict, r.strictHints)
}

// ScanImage decodes a full-resolution upload: strict tier first, then every reader
// without hints. ErrDecodeExhausted only after both tiers come back empty.
func (r *Reader) ScanImage(img image.Image) (types.DecodedCode, error) {
	if img == nil || img.Bounds().Empty() {
		r.metrics.DecodeExhausted.Add(1)
		return types.DecodedCode{}, fmt.Errorf("empty image: %w", types.ErrDecodeExhausted)
	}
	if code, ok := r.Scan(img); ok {
		return code, nil
	}

	r.metrics.UploadFallbacks.Add(1)
	slog.Debug("docreader: strict tier found nothing, retrying permissive")

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err == nil {
		r.mu.Lock()
		code, ok := r.decodeChain(img, bmp, r.permissive, nil)
		r.mu.Unlock()
		if ok {
			return code, nil
		}
	}
	r.metrics.DecodeExhausted.Add(1)
	return types.DecodedCode{}, types.ErrDecodeExhausted
}

func (r *Reader) decodeChain(img image.Image, bmp *gozxing.BinaryBitmap, chain []chainEntry, hints map[gozxing.DecodeHintType]interface{}) (types.DecodedCode, bool) {
	var encoded []byte
	for _, e := range chain {
		if e.reader == nil {
			if encoded == nil {
				encoded = r.encodeForStacked(img)
			}
			if code, ok := r.decodeStacked(encoded); ok {
				r.metrics.CodesDecoded.Add(1)
				return code, true
			}
			continue
		}

		var (
			res *gozxing.Result
			err error
		)
		if hints == nil {
			res, err = e.reader.DecodeWithoutHints(bmp)
		} else {
			res, err = e.reader.Decode(bmp, hints)
		}
		e.reader.Reset()
		if err != nil || res == nil || res.GetText() == "" {
			continue
		}

		format := symbologyOf(res.GetBarcodeFormat())
		if format == types.SymbologyUnknown {
			format = e.format
		}
		r.metrics.CodesDecoded.Add(1)
		return types.DecodedCode{RawText: res.GetText(), Format: format}, true
	}
	return types.DecodedCode{}, false
}

// encodeForStacked renders img as PNG for the engine. An empty slice disables the
// stacked entries for this attempt.
func (r *Reader) encodeForStacked(img image.Image) []byte {
	if r.stacked == nil {
		r.warnOnce.Do(func() {
			slog.Warn("docreader: no stacked decoder configured, pdf417 disabled")
		})
		return []byte{}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		slog.Debug("docreader: cannot encode still for stacked decode", "err", err)
		return []byte{}
	}
	return buf.Bytes()
}

// decodeStacked asks the stacked decoder for a PDF417 code. Engine errors are a miss:
// the next tick or tier tries again.
func (r *Reader) decodeStacked(encoded []byte) (types.DecodedCode, bool) {
	if len(encoded) == 0 {
		return types.DecodedCode{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.stackedTimeout)
	defer cancel()

	codes, err := r.stacked.DecodeBarcodes(ctx, encoded)
	if err != nil {
		slog.Debug("docreader: stacked decode failed", "err", err)
		return types.DecodedCode{}, false
	}
	for _, c := range codes {
		if c.Format == types.PDF417 && c.RawText != "" {
			return c, true
		}
	}
	return types.DecodedCode{}, false
}
