package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/andresmejia3/idproof/internal/pipeline"
	"github.com/andresmejia3/idproof/internal/types"
)

func TestFaceHint(t *testing.T) {
	tests := []struct {
		name string
		sig  types.FaceSignal
		want string
	}{
		{"No face", types.FaceSignal{}, "No face"},
		{"Crowd", types.FaceSignal{FaceCount: 3}, "3 faces"},
		{"Off center", types.FaceSignal{FaceCount: 1}, "Center your face"},
		{"Ready", types.FaceSignal{FaceCount: 1, Centered: true}, "Hold still"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := faceHint(tt.sig); !strings.Contains(got, tt.want) {
				t.Errorf("faceHint() = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestReport(t *testing.T) {
	match := &types.MatchResult{Distance: 0.31, IsMatch: true, Threshold: 0.55}
	miss := &types.MatchResult{Distance: 0.72, IsMatch: false, Threshold: 0.55}

	tests := []struct {
		name    string
		snap    pipeline.Snapshot
		want    string
		wantErr bool
	}{
		{
			name: "Enrolled",
			snap: pipeline.Snapshot{Mode: "enrollment", State: "success", UserID: "u1"},
			want: "Enrolled u1",
		},
		{
			name: "Verified",
			snap: pipeline.Snapshot{Mode: "verification", State: "success", UserID: "u1", Match: match},
			want: "Identity verified: u1 (distance 0.3100",
		},
		{
			name:    "No match",
			snap:    pipeline.Snapshot{Mode: "verification", State: "failure", Reason: "no_match", UserID: "u1", Match: miss},
			want:    "does not match u1 (distance 0.7200",
			wantErr: true,
		},
		{
			name:    "Unknown identity",
			snap:    pipeline.Snapshot{Mode: "verification", State: "failure", Reason: "unknown_identity", UserID: "ghost"},
			want:    "ghost is not enrolled",
			wantErr: true,
		},
		{
			name:    "Device failure",
			snap:    pipeline.Snapshot{Mode: "enrollment", State: "failure", Reason: "device", Error: "camera gone"},
			want:    "Session failed: device camera gone",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := report(&buf, tt.snap)
			if (err != nil) != tt.wantErr {
				t.Errorf("report() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("report() wrote %q, want it to contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestPrintFields(t *testing.T) {
	var buf bytes.Buffer
	printFields(&buf, pipeline.Snapshot{
		Code: &types.DecodedCode{RawText: "x", Format: types.QRCode},
		Fields: types.Fields{
			types.FieldRaw:        strings.Repeat("A", 100),
			types.FieldIdentifier: "GOMA800101HDFRRN09",
		},
	})
	out := buf.String()

	if !strings.Contains(out, "GOMA800101HDFRRN09") {
		t.Errorf("Identifier missing from output:\n%s", out)
	}
	if strings.Contains(out, strings.Repeat("A", 61)) {
		t.Errorf("Raw payload was not truncated:\n%s", out)
	}
	if strings.Index(out, types.FieldIdentifier) > strings.Index(out, types.FieldRaw+" ") {
		t.Errorf("Raw payload should be printed last:\n%s", out)
	}
}

func TestLargestFace(t *testing.T) {
	faces := []types.FaceResult{
		{Loc: [4]int{0, 0, 10, 10}},
		{Loc: [4]int{0, 0, 50, 40}},
		{Loc: [4]int{0, 0, 30, 30}},
	}
	if got := largestFace(faces); got.Area() != 2000 {
		t.Errorf("largestFace() area = %d, want 2000", got.Area())
	}
}
