package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andresmejia3/idproof/internal/types"
)

// Postgres manages the PostgreSQL connection pool and pgvector operations.
type Postgres struct {
	pool  *pgxpool.Pool
	model string
}

// NewPostgres connects and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string, opts Options) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{pool: pool, model: opts.Model}, nil
}

// initSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS enrolled_descriptors (
			user_id TEXT PRIMARY KEY,
			embedding VECTOR(%d) NOT NULL,
			model TEXT NOT NULL,
			enrolled_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS verification_attempts (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			distance DOUBLE PRECISION NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			is_match BOOLEAN NOT NULL,
			model TEXT NOT NULL,
			attempted_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS parsed_documents (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			symbology TEXT NOT NULL,
			fields JSONB NOT NULL,
			captured_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS verification_attempts_user_id_idx ON verification_attempts (user_id);
		CREATE INDEX IF NOT EXISTS parsed_documents_user_id_idx ON parsed_documents (user_id);
	`, types.DescriptorDim)
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the connection pool.
func (s *Postgres) Close(ctx context.Context) {
	s.pool.Close()
}

// GetStoredDescriptor returns the enrolled descriptor or types.ErrNotFound.
func (s *Postgres) GetStoredDescriptor(ctx context.Context, userID string) (types.Descriptor, error) {
	var vecStr string
	err := s.pool.QueryRow(ctx, "SELECT embedding::text FROM enrolled_descriptors WHERE user_id = $1", userID).Scan(&vecStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", userID, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return parseVector(vecStr)
}

// PutDescriptor enrolls (or re-enrolls) a user.
func (s *Postgres) PutDescriptor(ctx context.Context, userID string, d types.Descriptor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrolled_descriptors (user_id, embedding, model, enrolled_at)
		VALUES ($1, $2::vector, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET embedding = EXCLUDED.embedding, model = EXCLUDED.model, enrolled_at = NOW()
	`, userID, vecToString(d), s.model)
	return err
}

// RecordVerificationAttempt persists the distance and decision, match or not.
func (s *Postgres) RecordVerificationAttempt(ctx context.Context, userID string, res types.MatchResult, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO verification_attempts (id, user_id, distance, threshold, is_match, model, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, userID, res.Distance, res.Threshold, res.IsMatch, s.model, at)
	if err != nil {
		return "", err
	}
	return id, nil
}

// PutParsedDocument stores the parsed fields as JSONB.
func (s *Postgres) PutParsedDocument(ctx context.Context, userID string, fields types.Fields, format types.Symbology) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO parsed_documents (user_id, symbology, fields) VALUES ($1, $2, $3::jsonb)
	`, userID, format.String(), string(raw))
	return err
}

// FindClosest searches for the nearest enrolled descriptor.
func (s *Postgres) FindClosest(ctx context.Context, d types.Descriptor) (Nearest, error) {
	if len(d) != types.DescriptorDim {
		return Nearest{}, fmt.Errorf("query has %d dimensions, want %d: %w", len(d), types.DescriptorDim, types.ErrLengthMismatch)
	}
	// <-> is the Euclidean distance operator in pgvector
	query := `SELECT user_id, embedding <-> $1::vector AS distance FROM enrolled_descriptors ORDER BY distance ASC LIMIT 1`

	var n Nearest
	err := s.pool.QueryRow(ctx, query, vecToString(d)).Scan(&n.UserID, &n.Distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return Nearest{}, types.ErrNotFound
	}
	return n, err
}

// ListEnrollments returns every enrolled user, oldest first.
func (s *Postgres) ListEnrollments(ctx context.Context) ([]Enrollment, error) {
	rows, err := s.pool.Query(ctx, "SELECT user_id, model, enrolled_at FROM enrolled_descriptors ORDER BY enrolled_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Enrollment
	for rows.Next() {
		var e Enrollment
		if err := rows.Scan(&e.UserID, &e.Model, &e.EnrolledAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListAttempts returns a user's verification history, newest first.
func (s *Postgres) ListAttempts(ctx context.Context, userID string) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, user_id, distance, threshold, is_match, model, attempted_at
		FROM verification_attempts WHERE user_id = $1 ORDER BY attempted_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.UserID, &a.Distance, &a.Threshold, &a.IsMatch, &a.Model, &a.AttemptedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListDocuments returns the parsed fields stored for a user, oldest first.
func (s *Postgres) ListDocuments(ctx context.Context, userID string) ([]types.Fields, error) {
	rows, err := s.pool.Query(ctx, "SELECT fields::text FROM parsed_documents WHERE user_id = $1 ORDER BY id ASC", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Fields
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var f types.Fields
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// The next connection recreates them.
func (s *Postgres) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS parsed_documents CASCADE;
		DROP TABLE IF EXISTS verification_attempts CASCADE;
		DROP TABLE IF EXISTS enrolled_descriptors CASCADE;
	`)
	return err
}
