package descriptor

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/idproof/internal/metrics"
	"github.com/andresmejia3/idproof/internal/types"
)

func vec(dim int, fill func(i int) float64) types.Descriptor {
	d := make(types.Descriptor, dim)
	for i := range d {
		d[i] = fill(i)
	}
	return d
}

func TestCompare(t *testing.T) {
	base := vec(128, func(i int) float64 { return float64(i) / 256 })
	// Moving a single component by 0.70 puts the pair exactly 0.70 apart.
	far := base.Clone()
	far[5] += 0.70
	near := base.Clone()
	near[0] += 0.3

	tests := []struct {
		name      string
		a, b      types.Descriptor
		wantDist  float64
		wantMatch bool
	}{
		{"Identical descriptors match", base, base.Clone(), 0.0, true},
		{"Distance above threshold does not match", base, far, 0.70, false},
		{"Distance below threshold matches", base, near, 0.3, true},
	}

	m := NewMatcher(0, metrics.New())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.Compare(tt.a, tt.b)
			if err != nil {
				t.Fatalf("Compare failed: %v", err)
			}
			if math.Abs(res.Distance-tt.wantDist) > 1e-9 {
				t.Errorf("Expected distance %f, got %f", tt.wantDist, res.Distance)
			}
			if res.IsMatch != tt.wantMatch {
				t.Errorf("Expected match=%v, got %v", tt.wantMatch, res.IsMatch)
			}
			if res.Threshold != DefaultThreshold {
				t.Errorf("Expected threshold %f recorded, got %f", DefaultThreshold, res.Threshold)
			}
		})
	}
}

func TestCompare_ThresholdIsExclusive(t *testing.T) {
	res, err := NewMatcher(5, nil).Compare(types.Descriptor{0, 0}, types.Descriptor{3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if res.Distance != 5 || res.IsMatch {
		t.Errorf("Distance equal to the threshold must not match, got %+v", res)
	}
}

func TestCompare_LengthMismatch(t *testing.T) {
	m := metrics.New()
	matcher := NewMatcher(0.55, m)
	_, err := matcher.Compare(make(types.Descriptor, 128), make(types.Descriptor, 127))
	if !errors.Is(err, types.ErrLengthMismatch) {
		t.Fatalf("Expected ErrLengthMismatch, got %v", err)
	}
	if m.LengthMismatches.Load() != 1 {
		t.Errorf("Expected mismatch to be counted")
	}
}

func TestCompare_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	m := NewMatcher(0.55, nil)

	for i := 0; i < 200; i++ {
		a := vec(128, func(int) float64 { return rng.NormFloat64() * 0.05 })
		b := vec(128, func(int) float64 { return rng.NormFloat64() * 0.05 })

		ab, err := m.Compare(a, b)
		if err != nil {
			t.Fatal(err)
		}
		ba, _ := m.Compare(b, a)
		aa, _ := m.Compare(a, a)

		if ab.Distance != ba.Distance {
			t.Fatalf("Distance not symmetric: %f vs %f", ab.Distance, ba.Distance)
		}
		if aa.Distance != 0 {
			t.Fatalf("Self distance should be 0, got %f", aa.Distance)
		}
		if ab.IsMatch != (ab.Distance < ab.Threshold) {
			t.Fatalf("IsMatch inconsistent with distance %f", ab.Distance)
		}
		again, _ := m.Compare(a, b)
		if again != ab {
			t.Fatal("Compare is not idempotent")
		}
	}
}

func TestRecompute(t *testing.T) {
	res := types.MatchResult{Distance: 0.5, IsMatch: true, Threshold: 0.55}
	if res.Recompute(0.4).IsMatch {
		t.Error("Stricter threshold should reject 0.5")
	}
	if !res.Recompute(0.6).IsMatch {
		t.Error("Looser threshold should accept 0.5")
	}
}

func TestNearest(t *testing.T) {
	m := NewMatcher(0.55, nil)
	probe := vec(4, func(int) float64 { return 0 })
	candidates := []Candidate{
		{UserID: "far", Descriptor: types.Descriptor{1, 1, 1, 1}},
		{UserID: "close", Descriptor: types.Descriptor{0.1, 0, 0, 0}},
	}

	best, res, err := m.Nearest(probe, candidates)
	if err != nil {
		t.Fatalf("Nearest failed: %v", err)
	}
	if best.UserID != "close" || !res.IsMatch {
		t.Errorf("Expected close match, got %s %+v", best.UserID, res)
	}

	if _, _, err := m.Nearest(probe, nil); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Empty candidate list should fail with ErrNotFound, got %v", err)
	}
}

func TestNearest_LengthMismatch(t *testing.T) {
	mt := metrics.New()
	m := NewMatcher(0.55, mt)
	probe := vec(4, func(int) float64 { return 0 })
	candidates := []Candidate{
		{UserID: "close", Descriptor: types.Descriptor{0.1, 0, 0, 0}},
		{UserID: "short", Descriptor: types.Descriptor{0, 0}},
	}

	// A closer valid candidate must not hide the malformed one.
	_, _, err := m.Nearest(probe, candidates)
	if !errors.Is(err, types.ErrLengthMismatch) {
		t.Fatalf("Expected ErrLengthMismatch, got %v", err)
	}
	if !strings.Contains(err.Error(), "short") {
		t.Errorf("Error should name the candidate, got %v", err)
	}
	if mt.LengthMismatches.Load() != 1 {
		t.Errorf("Expected 1 length mismatch, got %d", mt.LengthMismatches.Load())
	}
}

// fakeEmbedder returns canned faces.
type fakeEmbedder struct {
	faces []types.FaceResult
	err   error
	gate  chan struct{}
}

func (f *fakeEmbedder) Embed(ctx context.Context, frame []byte) ([]types.FaceResult, error) {
	if f.gate != nil {
		<-f.gate
	}
	return f.faces, f.err
}

func face(dim int) types.FaceResult {
	return types.FaceResult{Vec: make([]float64, dim)}
}

func TestExtract(t *testing.T) {
	frame := types.NewFrame([]byte{1, 2, 3}, 640, 480, time.Now(), 1)

	tests := []struct {
		name    string
		faces   []types.FaceResult
		engErr  error
		wantErr error
	}{
		{"One face", []types.FaceResult{face(128)}, nil, nil},
		{"No face", nil, nil, types.ErrNoFaceFound},
		{"Two faces", []types.FaceResult{face(128), face(128)}, nil, types.ErrAmbiguousFaces},
		{"Wrong dimension", []types.FaceResult{face(64)}, nil, types.ErrLengthMismatch},
		{"Engine failure", nil, errors.New("engine error: oom"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := NewExtractor(&fakeEmbedder{faces: tt.faces, err: tt.engErr}, 0, 0, metrics.New())
			d, err := x.Extract(context.Background(), frame)
			switch {
			case tt.engErr != nil:
				if err == nil {
					t.Fatal("Expected engine error to surface")
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
			default:
				if err != nil {
					t.Fatalf("Extract failed: %v", err)
				}
				if len(d) != types.DescriptorDim {
					t.Errorf("Expected %d-d descriptor, got %d", types.DescriptorDim, len(d))
				}
			}
		})
	}
}

func TestExtract_Busy(t *testing.T) {
	gate := make(chan struct{})
	x := NewExtractor(&fakeEmbedder{faces: []types.FaceResult{face(128)}, gate: gate}, 0, 0, nil)
	frame := types.NewFrame([]byte{1}, 1, 1, time.Now(), 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := x.Extract(context.Background(), frame); err != nil {
			t.Errorf("First extract failed: %v", err)
		}
	}()

	deadline := time.Now().Add(time.Second)
	for !x.busy.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := x.Extract(context.Background(), frame); !errors.Is(err, types.ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}
	close(gate)
	wg.Wait()
}
