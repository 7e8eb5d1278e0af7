package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/idproof/internal/types"
)

// Enrollment is one stored reference descriptor (without the vector).
type Enrollment struct {
	UserID     string
	Model      string
	EnrolledAt time.Time
}

// Attempt is one persisted verification decision. Distance is the audit artifact.
type Attempt struct {
	ID          string
	UserID      string
	Distance    float64
	Threshold   float64
	IsMatch     bool
	Model       string
	AttemptedAt time.Time
}

// Nearest is the closest enrolled identity to a probe descriptor.
type Nearest struct {
	UserID   string
	Distance float64
}

// Backend is implemented by the postgres and sqlite stores.
type Backend interface {
	GetStoredDescriptor(ctx context.Context, userID string) (types.Descriptor, error)
	PutDescriptor(ctx context.Context, userID string, d types.Descriptor) error
	RecordVerificationAttempt(ctx context.Context, userID string, res types.MatchResult, at time.Time) (string, error)
	PutParsedDocument(ctx context.Context, userID string, fields types.Fields, format types.Symbology) error

	FindClosest(ctx context.Context, d types.Descriptor) (Nearest, error)
	ListEnrollments(ctx context.Context) ([]Enrollment, error)
	ListAttempts(ctx context.Context, userID string) ([]Attempt, error)
	ListDocuments(ctx context.Context, userID string) ([]types.Fields, error)
	Reset(ctx context.Context) error
	Close(ctx context.Context)
}

// Options apply to every backend.
type Options struct {
	// Model is the descriptor model tag written with enrollments and attempts.
	Model string
}

// Open picks a backend from the URL scheme: postgres:// or postgresql:// for
// PostgreSQL + pgvector, sqlite:// for a local file.
func Open(ctx context.Context, url string, opts Options) (Backend, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgres(ctx, url, opts)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLite(ctx, strings.TrimPrefix(url, "sqlite://"), opts)
	}
	return nil, fmt.Errorf("unsupported database URL %q (use postgres:// or sqlite://)", url)
}

// vecToString formats a descriptor in the pgvector text format "[1.0,2.0,...]".
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector reads the text format back.
func parseVector(s string) (types.Descriptor, error) {
	s = strings.TrimSpace(strings.Trim(s, "[]"))
	if s == "" {
		return types.Descriptor{}, nil
	}
	parts := strings.Split(s, ",")
	out := make(types.Descriptor, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed vector component %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
