package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/andresmejia3/idproof/internal/descriptor"
	"github.com/andresmejia3/idproof/internal/types"
)

// SQLite is a single-file backend for laptops and kiosks without PostgreSQL.
// Nearest-identity search is a linear scan.
type SQLite struct {
	db    *sql.DB
	model string
}

// NewSQLite opens (creating if needed) the database file at path.
func NewSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One writer; avoids SQLITE_BUSY under the serve command.
	db.SetMaxOpenConns(1)

	if err := initSQLiteSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &SQLite{db: db, model: opts.Model}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS enrolled_descriptors (
		user_id TEXT PRIMARY KEY,
		embedding TEXT NOT NULL,
		model TEXT NOT NULL,
		enrolled_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS verification_attempts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		distance REAL NOT NULL,
		threshold REAL NOT NULL,
		is_match INTEGER NOT NULL,
		model TEXT NOT NULL,
		attempted_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS parsed_documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		symbology TEXT NOT NULL,
		fields TEXT NOT NULL,
		captured_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_user ON verification_attempts(user_id);
	CREATE INDEX IF NOT EXISTS idx_documents_user ON parsed_documents(user_id);`)
	return err
}

// Close closes the database file.
func (s *SQLite) Close(ctx context.Context) {
	s.db.Close()
}

// GetStoredDescriptor returns the enrolled descriptor or types.ErrNotFound.
func (s *SQLite) GetStoredDescriptor(ctx context.Context, userID string) (types.Descriptor, error) {
	var vecStr string
	err := s.db.QueryRowContext(ctx, "SELECT embedding FROM enrolled_descriptors WHERE user_id = ?", userID).Scan(&vecStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", userID, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return parseVector(vecStr)
}

// PutDescriptor enrolls (or re-enrolls) a user.
func (s *SQLite) PutDescriptor(ctx context.Context, userID string, d types.Descriptor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO enrolled_descriptors (user_id, embedding, model, enrolled_at)
		VALUES (?, ?, ?, ?)
	`, userID, vecToString(d), s.model, time.Now().UTC())
	return err
}

// RecordVerificationAttempt persists the distance and decision, match or not.
func (s *SQLite) RecordVerificationAttempt(ctx context.Context, userID string, res types.MatchResult, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_attempts (id, user_id, distance, threshold, is_match, model, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, userID, res.Distance, res.Threshold, res.IsMatch, s.model, at.UTC())
	if err != nil {
		return "", fmt.Errorf("cannot record attempt for %s: %v", userID, err)
	}
	return id, nil
}

// PutParsedDocument stores the parsed fields as a JSON document.
func (s *SQLite) PutParsedDocument(ctx context.Context, userID string, fields types.Fields, format types.Symbology) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO parsed_documents (user_id, symbology, fields, captured_at) VALUES (?, ?, ?, ?)
	`, userID, format.String(), string(raw), time.Now().UTC())
	return err
}

// FindClosest scans every enrolled descriptor.
func (s *SQLite) FindClosest(ctx context.Context, d types.Descriptor) (Nearest, error) {
	if len(d) != types.DescriptorDim {
		return Nearest{}, fmt.Errorf("query has %d dimensions, want %d: %w", len(d), types.DescriptorDim, types.ErrLengthMismatch)
	}
	rows, err := s.db.QueryContext(ctx, "SELECT user_id, embedding FROM enrolled_descriptors")
	if err != nil {
		return Nearest{}, err
	}
	defer rows.Close()

	var candidates []descriptor.Candidate
	for rows.Next() {
		var c descriptor.Candidate
		var vecStr string
		if err := rows.Scan(&c.UserID, &vecStr); err != nil {
			return Nearest{}, err
		}
		if c.Descriptor, err = parseVector(vecStr); err != nil {
			return Nearest{}, fmt.Errorf("user %q: %w", c.UserID, err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return Nearest{}, err
	}

	best, res, err := descriptor.NewMatcher(0, nil).Nearest(d, candidates)
	if err != nil {
		return Nearest{}, err
	}
	return Nearest{UserID: best.UserID, Distance: res.Distance}, nil
}

// ListEnrollments returns every enrolled user, oldest first.
func (s *SQLite) ListEnrollments(ctx context.Context) ([]Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_id, model, enrolled_at FROM enrolled_descriptors ORDER BY enrolled_at ASC")
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
func (s *SQLite) ListAttempts(ctx context.Context, userID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, distance, threshold, is_match, model, attempted_at
		FROM verification_attempts WHERE user_id = ? ORDER BY attempted_at DESC
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

// Reset empties every table.
func (s *SQLite) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM parsed_documents;
		DELETE FROM verification_attempts;
		DELETE FROM enrolled_descriptors;
	`)
	return err
}

// ListDocuments returns the parsed fields stored for a user, oldest first.
func (s *SQLite) ListDocuments(ctx context.Context, userID string) ([]types.Fields, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT fields FROM parsed_documents WHERE user_id = ? ORDER BY id ASC", userID)
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
