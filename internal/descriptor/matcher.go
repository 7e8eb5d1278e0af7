package descriptor

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/andresmejia3/idproof/internal/metrics"
	"github.com/andresmejia3/idproof/internal/types"
)

// DefaultThreshold is the Euclidean cut-off for the 128-d descriptor family.
const DefaultThreshold = 0.55

// Matcher compares descriptors. It holds no state besides the threshold.
type Matcher struct {
	Threshold float64
	metrics   *metrics.Metrics
}

// NewMatcher returns a matcher; a non-positive threshold selects DefaultThreshold.
func NewMatcher(threshold float64, m *metrics.Metrics) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{Threshold: threshold, metrics: m}
}

// Distance is the Euclidean distance between a and b.
func Distance(a, b types.Descriptor) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", types.ErrLengthMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// Compare returns the distance and the threshold decision. It never truncates:
// descriptors of different length are a defect and fail with ErrLengthMismatch.
func (m *Matcher) Compare(a, b types.Descriptor) (types.MatchResult, error) {
	dist, err := Distance(a, b)
	if err != nil {
		if m.metrics != nil {
			m.metrics.LengthMismatches.Add(1)
		}
		slog.Error("descriptor: comparing descriptors of different length", "a", len(a), "b", len(b))
		return types.MatchResult{}, err
	}
	res := types.MatchResult{Distance: dist, IsMatch: dist < m.Threshold, Threshold: m.Threshold}
	if m.metrics != nil {
		m.metrics.ObserveDistance(dist, res.IsMatch)
	}
	return res, nil
}

// Candidate is one enrolled descriptor considered by Nearest.
type Candidate struct {
	UserID     string
	Descriptor types.Descriptor
}

// Nearest scans candidates for the closest one. It fails with types.ErrNotFound when
// the list is empty and with types.ErrLengthMismatch as soon as a candidate's length
// differs from the probe's.
func (m *Matcher) Nearest(probe types.Descriptor, candidates []Candidate) (Candidate, types.MatchResult, error) {
	if len(candidates) == 0 {
		return Candidate{}, types.MatchResult{}, types.ErrNotFound
	}

	var best Candidate
	bestDist := math.MaxFloat64
	for _, c := range candidates {
		d, err := Distance(probe, c.Descriptor)
		if err != nil {
			if m.metrics != nil {
				m.metrics.LengthMismatches.Add(1)
			}
			slog.Error("descriptor: enrolled descriptor has a different length", "user", c.UserID, "err", err)
			return Candidate{}, types.MatchResult{}, fmt.Errorf("candidate %q: %w", c.UserID, err)
		}
		if d < bestDist {
			bestDist, best = d, c
		}
	}
	return best, types.MatchResult{Distance: bestDist, IsMatch: bestDist < m.Threshold, Threshold: m.Threshold}, nil
}
