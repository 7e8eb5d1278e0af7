package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{fmt.Errorf("open: %w", ErrDeviceUnavailable), KindDevice},
		{ErrPermissionDenied, KindDevice},
		{ErrDeviceBusy, KindDevice},
		{ErrDetectionFailed, KindDetectionTransient},
		{ErrNoFaceFound, KindCaptureFailure},
		{fmt.Errorf("extract: %w", ErrAmbiguousFaces), KindCaptureFailure},
		{ErrDecodeExhausted, KindDecodeExhausted},
		{ErrLengthMismatch, KindLengthMismatch},
		{errors.New("boom"), KindOther},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestRecompute(t *testing.T) {
	r := MatchResult{Distance: 0.5, IsMatch: true, Threshold: 0.55}

	if got := r.Recompute(0.4); got.IsMatch || got.Threshold != 0.4 {
		t.Errorf("Recompute(0.4) = %+v, want rejection at 0.4", got)
	}
	// The comparison is strict.
	if got := r.Recompute(0.5); got.IsMatch {
		t.Errorf("Recompute(0.5) = %+v, distance equal to threshold must not match", got)
	}
}

func TestSymbologyText(t *testing.T) {
	for s, name := range symbologyNames {
		if ParseSymbology(name) != s {
			t.Errorf("ParseSymbology(%q) = %v, want %v", name, ParseSymbology(name), s)
		}
	}
	if ParseSymbology("maxicode") != SymbologyUnknown {
		t.Error("Unsupported names should map to SymbologyUnknown")
	}

	data, err := json.Marshal(DecodedCode{RawText: "x", Format: PDF417})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte(`"format":"pdf417"`)) {
		t.Errorf("Marshal = %s, want format by name", data)
	}
	var back DecodedCode
	if err := json.Unmarshal(data, &back); err != nil || back.Format != PDF417 {
		t.Errorf("Unmarshal = %+v, %v", back, err)
	}
}

func TestFrameDecodable(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	full := buf.Bytes()

	tests := []struct {
		name  string
		frame *Frame
		want  bool
	}{
		{"Nil frame", nil, false},
		{"Empty", NewFrame(nil, 0, 0, time.Now(), 1), false},
		{"Truncated", NewFrame(full[:len(full)/2], 4, 4, time.Now(), 2), false},
		{"Complete", NewFrame(full, 4, 4, time.Now(), 3), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.frame.Decodable(); got != tt.want {
				t.Errorf("Decodable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFaceSignalReady(t *testing.T) {
	if (FaceSignal{FaceCount: 2, Centered: true}).Ready() {
		t.Error("Two faces must never be ready")
	}
	if !(FaceSignal{FaceCount: 1, Centered: true}).Ready() {
		t.Error("One centered face should be ready")
	}
}
