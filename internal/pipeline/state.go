package pipeline

import (
	"time"

	"github.com/andresmejia3/idproof/internal/types"
)

// State is a pipeline stage.
type State int

const (
	Idle State = iota
	ScanningDocument
	DocumentCaptured
	ScanningFace
	FaceCaptured
	Deciding
	Success
	Failure
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ScanningDocument:
		return "scanning_document"
	case DocumentCaptured:
		return "document_captured"
	case ScanningFace:
		return "scanning_face"
	case FaceCaptured:
		return "face_captured"
	case Deciding:
		return "deciding"
	case Success:
		return "success"
	case Failure:
		return "failure"
	}
	return "unknown"
}

// Terminal reports whether the session is over.
func (s State) Terminal() bool {
	return s == Success || s == Failure
}

// Mode selects what happens after the face is captured.
type Mode int

const (
	Enrollment Mode = iota
	Verification
)

func (m Mode) String() string {
	if m == Verification {
		return "verification"
	}
	return "enrollment"
}

// Reason explains a Failure.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonUnknownIdentity
	ReasonNoMatch
	ReasonDevice
	ReasonStore
	ReasonDefect // descriptor length mismatch
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonUnknownIdentity:
		return "unknown_identity"
	case ReasonNoMatch:
		return "no_match"
	case ReasonDevice:
		return "device"
	case ReasonStore:
		return "store"
	case ReasonDefect:
		return "defect"
	case ReasonCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Detector names the loop that currently owns the camera.
type Detector int

const (
	DetectorNone Detector = iota
	DetectorFace
	DetectorDocument
)

func (d Detector) String() string {
	switch d {
	case DetectorFace:
		return "face"
	case DetectorDocument:
		return "document"
	}
	return "none"
}

// Event is published on every transition and on user-facing errors.
type Event struct {
	Session string
	State   State
	Reason  Reason
	Err     error
	At      time.Time
}

// Snapshot is a consistent copy of the session.
type Snapshot struct {
	Session   string             `json:"session"`
	Mode      string             `json:"mode"`
	UserID    string             `json:"user_id"`
	State     string             `json:"state"`
	Reason    string             `json:"reason,omitempty"`
	Active    string             `json:"active_detector"`
	Code      *types.DecodedCode `json:"code,omitempty"`
	Fields    types.Fields       `json:"fields,omitempty"`
	Match     *types.MatchResult `json:"match,omitempty"`
	AttemptID string             `json:"attempt_id,omitempty"`
	Signal    types.FaceSignal   `json:"signal"`
	Error     string             `json:"error,omitempty"`
}
