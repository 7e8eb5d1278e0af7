package types

import (
	"bytes"
	"image"
	_ "image/jpeg" // Frames arrive as MJPEG from ffmpeg
	_ "image/png"
	"sync"
	"time"
)

// DescriptorDim is the length of every descriptor produced by the face engine.
// The 0.55 Euclidean threshold belongs to this 128-d descriptor family.
const DescriptorDim = 128

// Frame is an immutable snapshot of one camera frame.
// Data holds the encoded (JPEG) bytes and MUST NOT be modified once the frame is published.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
	Seq       uint64

	decodeOnce sync.Once
	img        image.Image
	decodeErr  error
}

// NewFrame wraps encoded bytes as a frame. Width and height may be zero; they are
// filled from the image header when known.
func NewFrame(data []byte, width, height int, ts time.Time, seq uint64) *Frame {
	if width == 0 || height == 0 {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			width, height = cfg.Width, cfg.Height
		}
	}
	return &Frame{Data: data, Width: width, Height: height, Timestamp: ts, Seq: seq}
}

// Image decodes the frame once and caches the result.
// A frame that cannot be decoded yet (partial buffer) returns an error on every call.
func (f *Frame) Image() (image.Image, error) {
	f.decodeOnce.Do(func() {
		f.img, _, f.decodeErr = image.Decode(bytes.NewReader(f.Data))
	})
	return f.img, f.decodeErr
}

// Decodable reports whether the frame carries a complete image.
func (f *Frame) Decodable() bool {
	if f == nil || len(f.Data) == 0 {
		return false
	}
	_, err := f.Image()
	return err == nil
}

// FaceSignal is the latest face presence/centering reading. Only the newest value matters.
type FaceSignal struct {
	FaceCount int       `json:"face_count"`
	Centered  bool      `json:"centered"`
	Timestamp time.Time `json:"timestamp"`
}

// Ready reports whether the signal allows an explicit capture.
func (s FaceSignal) Ready() bool {
	return s.FaceCount == 1 && s.Centered
}

// Descriptor is a fixed-length identity signature extracted from one face image.
type Descriptor []float64

// Clone returns an independent copy so ownership can be handed to a store call.
func (d Descriptor) Clone() Descriptor {
	out := make(Descriptor, len(d))
	copy(out, d)
	return out
}

// MatchResult is the outcome of comparing two descriptors.
// Distance is the audit artifact; IsMatch is the threshold policy applied to it.
type MatchResult struct {
	Distance  float64 `json:"distance"`
	IsMatch   bool    `json:"is_match"`
	Threshold float64 `json:"threshold"`
}

// Recompute re-applies a (possibly different) threshold to the recorded distance.
func (r MatchResult) Recompute(threshold float64) MatchResult {
	return MatchResult{Distance: r.Distance, IsMatch: r.Distance < threshold, Threshold: threshold}
}

// Symbology identifies a barcode encoding standard.
type Symbology int

const (
	SymbologyUnknown Symbology = iota
	PDF417
	QRCode
	DataMatrix
	Aztec
	Code128
	Code39
)

var symbologyNames = map[Symbology]string{
	SymbologyUnknown: "unknown",
	PDF417:           "pdf417",
	QRCode:           "qrcode",
	DataMatrix:       "datamatrix",
	Aztec:            "aztec",
	Code128:          "code128",
	Code39:           "code39",
}

func (s Symbology) String() string {
	if name, ok := symbologyNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseSymbology maps a name back to a Symbology. Unknown names return SymbologyUnknown.
func ParseSymbology(name string) Symbology {
	for s, n := range symbologyNames {
		if n == name {
			return s
		}
	}
	return SymbologyUnknown
}

// MarshalText renders the symbology by name in JSON and YAML.
func (s Symbology) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *Symbology) UnmarshalText(b []byte) error {
	*s = ParseSymbology(string(b))
	return nil
}

// DecodedCode is produced once per successful barcode decode.
type DecodedCode struct {
	RawText string    `json:"raw_text"`
	Format  Symbology `json:"format"`
}

// Field names written by the document parser.
const (
	FieldRaw           = "raw"
	FieldIdentifier    = "identifier"
	FieldElectorKey    = "electorKey"
	FieldControlNumber = "controlNumber"
)

// Fields maps field names to values. FieldRaw is always present; every other key is best-effort.
type Fields map[string]string

// Get returns the value for key and whether it was extracted.
func (f Fields) Get(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

// FaceResult is one face reported by the inference engine.
type FaceResult struct {
	Loc      [4]int     // [left, top, right, bottom] in pixels
	Landmark [2]float64 // designated landmark (nose tip) in pixels
	Vec      []float64  // empty for detection-only requests
}

// Area returns the bounding box area in pixels.
func (f FaceResult) Area() int {
	return (f.Loc[2] - f.Loc[0]) * (f.Loc[3] - f.Loc[1])
}
